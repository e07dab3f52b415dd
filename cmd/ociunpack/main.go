// Command ociunpack downloads an OCI/Docker image and unpacks it onto
// disk: config.json plus a rootfs/ directory, both directly under the
// target directory given on the command line.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/labtable/oci-unpack-go/reference"
	"github.com/labtable/oci-unpack-go/sandbox"
	"github.com/labtable/oci-unpack-go/unpacker"
)

func main() {
	arch := flag.String("arch", "", "target architecture (defaults to host GOARCH)")
	goos := flag.String("os", "", "target OS (defaults to host GOOS)")
	requireSandbox := flag.Bool("require-sandbox", false, "fail instead of warn if the Landlock sandbox cannot be installed")
	verbose := flag.Bool("v", false, "log debug-level events")
	flag.Parse()

	if flag.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: ociunpack [flags] <image-reference> <target-dir>")
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ref, err := reference.Parse(flag.Arg(0))
	if err != nil {
		logger.Error("invalid image reference", "reference", flag.Arg(0), "error", err)
		os.Exit(1)
	}

	target := flag.Arg(1)

	err = unpacker.Unpack(ref, target, &slogEventHandler{log: logger}, unpacker.Options{
		Architecture:   *arch,
		OS:             *goos,
		RequireSandbox: *requireSandbox,
	})
	if err != nil {
		logger.Error("unpack failed", "image", ref.String(), "target", target, "error", err)
		os.Exit(1)
	}

	logger.Info("unpack complete", "image", ref.String(), "target", target)
}

// slogEventHandler adapts unpacker.EventHandler onto structured logging,
// the way the teacher's debugCapabilities flag gates its own verbose
// fmt.Printf calls, generalized to a real leveled logger.
type slogEventHandler struct {
	unpacker.NoopEventHandler
	log *slog.Logger
}

func (h *slogEventHandler) RegistryRequest(url string) {
	h.log.Debug("registry request", "url", url)
}

func (h *slogEventHandler) RegistryAuth(url string) {
	h.log.Debug("registry auth challenge", "url", url)
}

func (h *slogEventHandler) DownloadStart(layerCount int, totalBytes int64) {
	h.log.Info("download starting", "layers", layerCount, "total_bytes", totalBytes)
}

func (h *slogEventHandler) LayerEntrySkipped(path, cause string) {
	h.log.Warn("layer entry skipped", "path", path, "cause", cause)
}

func (h *slogEventHandler) SandboxStatus(status sandbox.Status) {
	if status.Installed {
		h.log.Debug("sandbox installed", "abi", status.ABI)
		return
	}
	h.log.Warn("sandbox not installed", "reason", status.Reason)
}

func (h *slogEventHandler) Finished() {
	h.log.Debug("unpack finished")
}

// Command cyberfoil runs the MTP/PTP responder as a standalone USB gadget
// process: it builds the still-image device, mounts the SD-card and install
// filesystem backends, and serves transactions until interrupted.
//
// Usage:
//
//	cyberfoil [options] /path/to/bus-dir
//
// The bus directory is shared with a host-side counterpart process (see
// examples/fifo-hal/mtp-device); on real hardware this binary would be
// paired with a HAL backed by a USB gadget driver instead of the FIFO HAL.
//
// Options:
//
//	-sdcard-root path          Directory backing the SD-card storage (default: ./sdcard)
//	-builtin-root path         Directory backing the built-in user storage (default: ./builtin)
//	-v                         Enable verbose (debug) logging
//	-json                     Use JSON log format
//	-s3-endpoint host:port     S3-compatible endpoint backing the content store (default: localhost:9000)
//	-s3-bucket name            Bucket holding placeholders and registered content (default: cyberfoil)
//	-s3-access-key key         S3 access key (default: cyberfoil)
//	-s3-secret-key key         S3 secret key (default: cyberfoil)
//	-s3-ssl                   Use TLS against the S3 endpoint
//	-cpu-profile path          Write a CPU profile to this path on exit
//	                           (requires a build tagged "profile"; a no-op otherwise)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"

	"github.com/luketanti/cyberfoil/device"
	"github.com/luketanti/cyberfoil/device/class/mtp"
	"github.com/luketanti/cyberfoil/device/hal/fifo"
	"github.com/luketanti/cyberfoil/fsbackend"
	"github.com/luketanti/cyberfoil/install"
	"github.com/luketanti/cyberfoil/pkg"
	"github.com/luketanti/cyberfoil/pkg/prof"
)

const component = pkg.ComponentMainLoop

// Storage ids mounted on the Filesystem Proxy; SD card first, matching the
// original's storage-choice ordering.
const (
	storageIDSDCard  uint32 = 0x00010001
	storageIDBuiltin uint32 = 0x00020001
	storageIDInstall uint32 = 0x00030001
)

func main() {
	sdcardRoot := flag.String("sdcard-root", "./sdcard", "directory backing the SD-card storage")
	builtinRoot := flag.String("builtin-root", "./builtin", "directory backing the built-in user storage")
	verbose := flag.Bool("v", false, "enable verbose (debug) logging")
	jsonLog := flag.Bool("json", false, "use JSON log format")
	s3Endpoint := flag.String("s3-endpoint", "localhost:9000", "S3-compatible endpoint backing the content store")
	s3Bucket := flag.String("s3-bucket", "cyberfoil", "bucket holding placeholders and registered content")
	s3AccessKey := flag.String("s3-access-key", "cyberfoil", "S3 access key")
	s3SecretKey := flag.String("s3-secret-key", "cyberfoil", "S3 secret key")
	s3SSL := flag.Bool("s3-ssl", false, "use TLS against the S3 endpoint")
	cpuProfile := flag.String("cpu-profile", "", "write a CPU profile to this path on exit")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: cyberfoil [options] <bus-dir>")
		os.Exit(1)
	}
	busDir := flag.Arg(0)

	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}
	if *jsonLog {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}

	if *cpuProfile != "" {
		if err := prof.StartCPU(*cpuProfile); err != nil {
			pkg.LogError(component, "failed to start CPU profile", "error", err)
			os.Exit(1)
		}
		defer prof.StopCPU()
	}

	if err := run(busDir, *sdcardRoot, *builtinRoot, *s3Endpoint, *s3Bucket, *s3AccessKey, *s3SecretKey, *s3SSL); err != nil {
		pkg.LogError(component, "exiting", "error", err)
		os.Exit(1)
	}
}

func run(busDir, sdcardRoot, builtinRoot, s3Endpoint, s3Bucket, s3AccessKey, s3SecretKey string, s3SSL bool) error {
	for _, dir := range []string{sdcardRoot, builtinRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating storage root %s: %w", dir, err)
		}
	}

	s3Client, err := minio.New(s3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(s3AccessKey, s3SecretKey, ""),
		Secure: s3SSL,
	})
	if err != nil {
		return fmt.Errorf("creating S3 client: %w", err)
	}
	contentStore := install.NewMinioContentStore(s3Client, s3Bucket)

	installCfg := install.NewConfig(install.WithContentStore(contentStore))
	controller := install.NewController(installCfg)

	proxy := mtp.NewProxy()
	proxy.Mount(storageIDSDCard, fsbackend.NewLocalBackend("sdcard", "SD Card", sdcardRoot))
	proxy.Mount(storageIDBuiltin, fsbackend.NewLocalBackend("builtin", "Built-in Storage", builtinRoot))
	proxy.Mount(storageIDInstall, fsbackend.NewInstallSink("install", "Install", controller, install.StorageSDCard))

	mtpCfg := mtp.NewConfig(mtp.WithDeviceStrings("cyberfoil", "MTP Responder", "1.0", "0000000000000000"))
	responder := mtp.NewResponder(mtpCfg, proxy)
	driver := mtp.NewDriver(responder)

	builder := device.NewDeviceBuilder().
		WithVendorProduct(mtpCfg.VendorID, mtpCfg.ProductID).
		WithStrings(mtpCfg.Manufacturer, mtpCfg.Model, mtpCfg.SerialNumber).
		AddConfiguration(1)
	driver.ConfigureDevice(builder, 0x81, 0x01)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		pkg.LogInfo(component, "shutdown signal received")
		cancel()
	}()

	dev, err := builder.Build(ctx)
	if err != nil {
		return fmt.Errorf("building device: %w", err)
	}
	if err := driver.AttachToInterface(dev, 1, 0); err != nil {
		return fmt.Errorf("attaching MTP driver: %w", err)
	}

	hal := fifo.New(busDir)
	stack := device.NewStack(dev, hal)
	driver.SetStack(stack)

	// Re-enumerate: bring the controller up once, then cycle it down and
	// back up so the host rediscovers the device with the still-image
	// interface descriptors active.
	if err := stack.Start(ctx); err != nil {
		return fmt.Errorf("starting stack: %w", err)
	}
	if err := stack.Stop(); err != nil {
		return fmt.Errorf("stopping stack for re-enumeration: %w", err)
	}
	if err := stack.Start(ctx); err != nil {
		return fmt.Errorf("restarting stack: %w", err)
	}
	defer stack.Stop()

	pkg.LogInfo(component, "waiting for host connection", "busDir", busDir)
	if err := stack.WaitConnect(ctx); err != nil {
		return fmt.Errorf("waiting for connection: %w", err)
	}
	pkg.LogInfo(component, "host connected, serving MTP transactions")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return driver.Run(groupCtx) })
	group.Go(func() error {
		if err := stack.WaitDisconnect(groupCtx); err != nil {
			return err
		}
		pkg.LogInfo(component, "host disconnected")
		return nil
	})

	if err := group.Wait(); err != nil && groupCtx.Err() == nil {
		return fmt.Errorf("serve loop: %w", err)
	}
	pkg.LogInfo(component, "stopped")
	return nil
}

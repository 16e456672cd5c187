// cloudfuse mounts the union of configured cloud providers as a FUSE
// filesystem.
//
// Usage:
//
//	cloudfuse -mount /mnt/cloud -config config.json -providers providers.json
//
// The providers file is the factory's persisted state; run a consent flow
// first (or hand-write entries for credential-based providers such as
// webdav and amazons3, and for local drives).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	humanize "github.com/dustin/go-humanize"
	"github.com/google/uuid"
	gofs "github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/cloudgrove/cloudgrove/internal/logging"
	"github.com/cloudgrove/cloudgrove/pkg/auth"
	"github.com/cloudgrove/cloudgrove/pkg/config"
	"github.com/cloudgrove/cloudgrove/pkg/factory"
	"github.com/cloudgrove/cloudgrove/pkg/httpd"
	"github.com/cloudgrove/cloudgrove/pkg/vfs"
)

// consoleAuth prints consent URLs instead of blocking on them forever.
type consoleAuth struct{}

func (consoleAuth) UserConsentRequired(provider string) auth.Status {
	fmt.Fprintf(os.Stderr, "provider %s needs authorization; visit the printed URL\n", provider)
	return auth.StatusWaitForAuthorizationCode
}

func (consoleAuth) Done(provider string, err error) {
	if err != nil {
		logging.Warn("authorization failed", zap.String("provider", provider), zap.Error(err))
		return
	}
	logging.Info("authorization finished", zap.String("provider", provider))
}

func main() {
	mountPoint := flag.String("mount", "", "Mount point for the virtual filesystem (required)")
	configPath := flag.String("config", "", "JSON config with provider keys")
	providersPath := flag.String("providers", "providers.json", "Persisted provider state")
	cacheFile := flag.String("cache", "", "Listing cache file (default: the config's cache_file, else under the temp directory)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (default: the config's log_level)")
	flag.Parse()

	if *mountPoint == "" {
		fmt.Fprintln(os.Stderr, "-mount is required")
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	// Each run gets its own scratch space for write buffers.
	tmpDir := filepath.Join(cfg.TemporaryDirectory, "cloudgrove-"+uuid.NewString()[:8])
	if err := os.MkdirAll(tmpDir, 0o700); err != nil {
		logging.Fatal("temp directory", zap.Error(err))
	}
	defer os.RemoveAll(tmpDir)

	server := httpd.NewServer(cfg.ListenAddr, cfg.BaseURL)
	go func() {
		if err := server.Serve(); err != nil {
			logging.Error("http server", zap.Error(err))
		}
	}()
	defer server.Close()

	f := factory.New(factory.Options{
		Config:       cfg,
		HTTPFactory:  server,
		AuthCallback: consoleAuth{},
	})
	go f.Loop().Exec()
	defer f.Loop().Quit()

	handles, err := f.Load(*providersPath)
	if err != nil {
		logging.Fatal("provider state", zap.Error(err))
	}
	if len(handles) == 0 {
		logging.Fatal("no providers configured", zap.String("path", *providersPath))
	}

	entries := make([]vfs.ProviderEntry, 0, len(handles))
	seen := map[string]int{}
	for _, h := range handles {
		label := h.Name()
		if n := seen[label]; n > 0 {
			label = fmt.Sprintf("%s-%d", label, n+1)
		}
		seen[h.Name()]++
		entries = append(entries, vfs.ProviderEntry{Label: label, Handle: h})
	}

	cache := *cacheFile
	if cache == "" {
		cache = cfg.CacheFile
	}
	if cache == "" {
		cache = filepath.Join(cfg.TemporaryDirectory, "cloudgrove-listings.cache")
	}
	cloudFS := vfs.New(entries, vfs.Options{
		TemporaryDirectory: tmpDir,
		CacheFile:          cache,
		Loop:               f.Loop(),
	})
	defer cloudFS.Close()

	if err := os.MkdirAll(*mountPoint, 0o755); err != nil {
		logging.Fatal("mount point", zap.Error(err))
	}
	root := &cloudNode{cfs: cloudFS, id: cloudFS.Root()}
	fuseServer, err := gofs.Mount(*mountPoint, root, &gofs.Options{
		MountOptions: gofuse.MountOptions{
			FsName: "cloudgrove",
			Name:   "cloudgrove",
		},
	})
	if err != nil {
		logging.Fatal("mount", zap.Error(err))
	}

	logging.Info("mounted",
		zap.String("mountpoint", *mountPoint),
		zap.Int("providers", len(entries)),
		zap.String("read_ahead", humanize.IBytes(uint64(vfs.ReadAhead))))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logging.Info("unmounting")
		fuseServer.Unmount()
	}()

	fuseServer.Wait()
	if err := f.Dump(*providersPath); err != nil {
		logging.Warn("provider state save failed", zap.Error(err))
	}
}

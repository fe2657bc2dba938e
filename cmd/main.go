package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	truevfs "github.com/valenpo/truevfs/pkg"
	"github.com/valenpo/truevfs/pkg/driver"
	"github.com/valenpo/truevfs/pkg/filesystem"
)

const usage = `usage: truevfs COMMAND [ARGS...]

commands:
  ls PATH          list a directory or archive
  cat PATH         print a file to stdout
  cp SRC DST       copy a file across archive boundaries
  rm PATH          remove a file or empty directory
  mkdir PATH       create a directory
  sync             flush and unmount all file systems
  mount DIR SRC    mount SRC read-only on DIR via FUSE
  serve            run the metrics server

Paths are host paths with embedded archives, e.g. /tmp/a.zip/b.tar/c.
`

func main() {
	configManager, err := truevfs.NewConfigManager[truevfs.VfsConfig]()
	if err != nil {
		log.Fatalf("Failed to load config: %v\n", err)
	}
	config := configManager.GetConfig()

	registry := truevfs.NewRegistry()
	driver.Register(registry, driver.NewStaticKeyProvider(config.Keys))

	manager, err := truevfs.Init(config, registry)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	vfs := truevfs.NewVFS(manager)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err := run(ctx, vfs, config, os.Args[1], os.Args[2:]); err != nil {
		truevfs.GetLogger().Errorf("%s: %v", os.Args[1], err)
		truevfs.Shutdown(ctx)
		os.Exit(1)
	}

	if err := truevfs.Shutdown(ctx); err != nil {
		if truevfs.IsSyncWarning(err) {
			truevfs.GetLogger().Warnf("sync: %v", err)
			return
		}
		log.Fatal(err)
	}
}

func run(ctx context.Context, vfs *truevfs.VFS, config truevfs.VfsConfig, command string, args []string) error {
	switch command {
	case "ls":
		if len(args) != 1 {
			return fmt.Errorf("ls needs exactly one path")
		}
		members, err := vfs.List(ctx, args[0])
		if err != nil {
			return err
		}
		for _, name := range members {
			fmt.Println(name)
		}
		return nil

	case "cat":
		if len(args) != 1 {
			return fmt.Errorf("cat needs exactly one path")
		}
		data, err := vfs.ReadFile(ctx, args[0])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err

	case "cp":
		if len(args) != 2 {
			return fmt.Errorf("cp needs a source and a destination")
		}
		n, err := vfs.CopyPath(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		truevfs.GetLogger().Infof("copied %d bytes", n)
		return nil

	case "rm":
		if len(args) != 1 {
			return fmt.Errorf("rm needs exactly one path")
		}
		return vfs.Remove(ctx, args[0])

	case "mkdir":
		if len(args) != 1 {
			return fmt.Errorf("mkdir needs exactly one path")
		}
		return vfs.Mkdir(ctx, args[0], truevfs.AccessCreateParents)

	case "sync":
		return vfs.Sync(ctx, true)

	case "mount":
		if len(args) != 2 {
			return fmt.Errorf("mount needs a mount point and a source directory")
		}
		startServer, serverError, err := filesystem.Mount(vfs, filesystem.FileSystemOpts{
			MountPoint: args[0],
			Source:     args[1],
			Verbose:    config.DebugMode,
		})
		if err != nil {
			return err
		}
		if err := startServer(); err != nil {
			return err
		}
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case err := <-serverError:
			return err
		case <-sig:
			return nil
		}

	case "serve":
		if !config.Metrics.Enabled {
			truevfs.GetLogger().Warnf("metrics are disabled in the config; serving anyway")
		}
		return truevfs.StartMetricsServer(ctx, config.Metrics.Port)

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

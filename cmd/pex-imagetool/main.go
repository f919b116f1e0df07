// Command pex-imagetool builds and inspects the read-only EROFS rootfs
// images the worker pool attaches to each micro-VM: pulling an image's
// layers from a registry and squashing them (build), and dumping a built
// image's tree for golden-snapshot testing (dump).
package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/programexplorer/pex/erofs"
	"github.com/programexplorer/pex/ociregistry"
)

var version = ""

func main() {
	app := cli.NewApp()
	app.Name = "pex-imagetool"
	app.Usage = "build and inspect program-explorer EROFS rootfs images"
	app.Version = version
	app.Commands = []cli.Command{buildCmd, dumpCmd}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %+v\n", err)
		os.Exit(1)
	}
}

var buildCmd = cli.Command{
	Name:  "build",
	Usage: "pull an image's layers and squash them into an EROFS image",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "ref", Usage: "image reference, e.g. docker.io/library/alpine:3.19", Required: true},
		cli.StringFlag{Name: "out", Usage: "output EROFS image path", Required: true},
		cli.StringFlag{Name: "registry", Usage: "registry host", Value: "registry-1.docker.io"},
		cli.StringFlag{Name: "repo", Usage: "repository path, e.g. library/alpine", Required: true},
		cli.StringFlag{Name: "arch", Usage: "target architecture", Value: "amd64"},
		cli.StringFlag{Name: "os", Usage: "target OS", Value: "linux"},
		cli.StringFlag{Name: "blob-cache-dir", Value: "/var/cache/pex/blobs"},
	},
	Action: doBuild,
}

var dumpCmd = cli.Command{
	Name:      "dump",
	Usage:     "print an EROFS image's dirent tree",
	ArgsUsage: "<image>",
	Action:    doDump,
}

func doBuild(ctx *cli.Context) error {
	client, err := ociregistry.NewClientBuilder().
		WithBlobCacheDir(ctx.String("blob-cache-dir"), 4<<20).
		Build()
	if err != nil {
		return err
	}

	reqCtx := context.Background()
	platform := ociregistry.Platform{OS: ctx.String("os"), Architecture: ctx.String("arch")}
	packed, err := client.GetManifestAndConfiguration(reqCtx, ctx.String("registry"), ctx.String("repo"), ctx.String("ref"), platform)
	if err != nil {
		return errors.Wrap(err, "pex-imagetool: fetch manifest")
	}
	manifest, err := packed.Manifest()
	if err != nil {
		return err
	}

	layerFiles, err := client.GetLayers(reqCtx, ctx.String("registry"), ctx.String("repo"), manifest)
	if err != nil {
		return errors.Wrap(err, "pex-imagetool: fetch layers")
	}
	defer func() {
		for _, f := range layerFiles {
			f.Close()
		}
	}()

	layers := make([][]erofs.LayerEntry, len(layerFiles))
	for i, f := range layerFiles {
		entries, err := tarLayerEntries(f)
		if err != nil {
			return errors.Wrapf(err, "pex-imagetool: decode layer %d", i)
		}
		layers[len(layers)-1-i] = entries // manifest.Layers is bottom-first; squash wants topmost-first
	}

	out, err := os.Create(ctx.String("out"))
	if err != nil {
		return err
	}
	defer out.Close()

	b, err := erofs.NewBuilder(out)
	if err != nil {
		return err
	}
	if err := b.SquashLayers(layers); err != nil {
		return err
	}
	return b.Finalize()
}

// tarLayerEntries reads an entire layer blob into memory (layers here
// are bounded by the registry client's own blob cache size budget, so
// this is safe for the images this tool targets) and decodes it into
// erofs.LayerEntry records, decompressing it first if
// ociregistry.SniffCompression detects gzip or zstd.
func tarLayerEntries(f *os.File) ([]erofs.LayerEntry, error) {
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var r io.Reader = bytes.NewReader(raw)
	switch ociregistry.SniffCompression(raw) {
	case ociregistry.CompressionGzip:
		gr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		r = gr
	case ociregistry.CompressionZstd:
		zr, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}

	var entries []erofs.LayerEntry
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		entry := erofs.LayerEntry{
			Path: "/" + hdr.Name,
			Meta: erofs.Meta{
				UID:   uint32(hdr.Uid),
				GID:   uint32(hdr.Gid),
				Mtime: uint64(hdr.ModTime.Unix()),
				Perm:  uint16(hdr.Mode) & 0o7777,
			},
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			entry.IsDir = true
		case tar.TypeSymlink:
			entry.IsSymlink = true
			entry.Target = hdr.Linkname
		default:
			entry.Size = hdr.Size
			bodyCopy := body
			entry.Open = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(bodyCopy)), nil
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func doDump(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("pex-imagetool: dump takes exactly one image path argument")
	}
	f, err := os.Open(ctx.Args()[0])
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := erofs.Open(f)
	if err != nil {
		return err
	}
	ok, err := r.VerifyChecksum()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "warning: superblock checksum mismatch")
	}
	return r.DumpTree(os.Stdout)
}

package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// RunFiles lists a directory (default) or every file below a root (--all).
func RunFiles(args []string) error {
	var root string
	var all bool
	flags, _, rest, err := prepare("files", args, func(fs *pflag.FlagSet) {
		fs.StringVarP(&root, "root", "r", "gcodes", "File root")
		fs.BoolVarP(&all, "all", "a", false, "List every file below the root")
	})
	if err != nil {
		return err
	}

	if all {
		files, err := rest.ListFiles(root)
		if err != nil {
			return err
		}
		for _, f := range files {
			Printer.Printf("%10d  %s  %s\n", f.Size, modified(f.Modified), f.Path)
		}
		Printer.Printf("%d files\n", len(files))
		return nil
	}

	path := root
	if flags.NArg() > 0 {
		path = root + "/" + flags.Arg(0)
	}
	listing, err := rest.ListDirectory(path, true)
	if err != nil {
		return err
	}
	for _, d := range listing.Dirs {
		Printer.Printf("%10s  %s  %s/\n", "-", modified(d.Modified), d.DirName)
	}
	for _, f := range listing.Files {
		Printer.Printf("%10d  %s  %s\n", f.Size, modified(f.Modified), f.FileName)
	}
	if du := listing.DiskUsage; du != nil {
		Printer.Printf("%d bytes free of %d\n", du.Free, du.Total)
	}
	return nil
}

func modified(epoch float64) string {
	if epoch <= 0 {
		return "                   "
	}
	return time.Unix(int64(epoch), 0).Format("2006-01-02 15:04:05")
}

// RunUpload sends a local file to the host.
func RunUpload(args []string) error {
	var root, dest string
	flags, _, rest, err := prepare("upload", args, func(fs *pflag.FlagSet) {
		fs.StringVarP(&root, "root", "r", "gcodes", "Destination root")
		fs.StringVarP(&dest, "path", "d", "", "Destination directory below the root")
	})
	if err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("usage: upload [--root gcodes] [--path dir] <file>")
	}

	result, err := rest.UploadFile(flags.Arg(0), root, dest)
	if err != nil {
		return err
	}
	Printer.Printf("%s %s/%s (%d bytes, sha256 %s)\n",
		result.Action, result.Item.Root, result.Item.Path, result.BytesUploaded, result.Checksum)
	return nil
}

// RunMkdir creates a directory on the host.
func RunMkdir(args []string) error {
	var root string
	flags, _, rest, err := prepare("mkdir", args, func(fs *pflag.FlagSet) {
		fs.StringVarP(&root, "root", "r", "gcodes", "File root")
	})
	if err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("usage: mkdir [--root gcodes] <path>")
	}

	result, err := rest.CreateDirectory(flags.Arg(0), root)
	if err != nil {
		return err
	}
	Printer.Printf("%s %s/%s\n", result.Action, result.Item.Root, result.Item.Path)
	return nil
}

// RunFirmwareRestart asks the host to restart the printer firmware.
func RunFirmwareRestart(args []string) error {
	_, _, rest, err := prepare("firmware-restart", args, nil)
	if err != nil {
		return err
	}
	result, err := rest.FirmwareRestart()
	if err != nil {
		return fmt.Errorf("firmware restart: %w", err)
	}
	Printer.Printf("Firmware restart: %s\n", result)
	return nil
}

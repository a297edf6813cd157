package main

import (
	"os"

	"grimm.is/platen/cmd"
	"grimm.is/platen/internal/brand"
)

var printer = cmd.Printer

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "run":
		run("Run", cmd.RunRun(args))

	case "info":
		run("Info", cmd.RunInfo(args))

	case "files", "ls":
		run("Files", cmd.RunFiles(args))

	case "upload":
		run("Upload", cmd.RunUpload(args))

	case "mkdir":
		run("Mkdir", cmd.RunMkdir(args))

	case "firmware-restart":
		run("Firmware restart", cmd.RunFirmwareRestart(args))

	case "gcode":
		run("G-code", cmd.RunGCode(args))

	case "init":
		run("Init", cmd.RunInit(args))

	case "version", "--version":
		printer.Printf("%s %s (%s)\n", brand.LowerName, brand.Version, brand.GitCommit)

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func run(what string, err error) {
	if err != nil {
		printer.Fprintf(os.Stderr, "%s failed: %v\n", what, err)
		os.Exit(1)
	}
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Core Commands:
  run               Keep the printer connection up until interrupted
                    Options: --stream (-s) <file>
                    SIGHUP retries after the connection has given up

Printer Commands:
  info              Show printer and host information
  gcode             Run G-code scripts and print the replies
                    Options: --timeout (-t) <duration>
  firmware-restart  Restart the printer firmware

File Commands:
  files             List stored files (alias: ls)
                    Options: --root <root>, --all
  upload            Upload a G-code file
                    Options: --root <root>, --path <dir>
  mkdir             Create a directory on the host

Setup Commands:
  init              Write a starter configuration file
                    Options: --host <host>, --force

Common Options:
  --config (-c) <file>, --host <host>, --port (-p) <port>,
  --api-key (-k) <key>, --verbose (-v)

Examples:
  %s init --host 192.168.1.50
  %s info
  %s gcode "G28" "M105"
  %s upload benchy.gcode --path calibration
  %s run --stream benchy.gcode
`,
		brand.Name, brand.Description,
		brand.LowerName,
		brand.LowerName, brand.LowerName, brand.LowerName, brand.LowerName, brand.LowerName)
}

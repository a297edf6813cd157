package cmd

import (
	"fmt"
	"strings"
)

// RunInfo prints the printer and host service status.
func RunInfo(args []string) error {
	_, _, rest, err := prepare("info", args, nil)
	if err != nil {
		return err
	}

	printer, err := rest.GetPrinterInfo()
	if err != nil {
		return fmt.Errorf("printer info: %w", err)
	}
	server, err := rest.GetServerInfo()
	if err != nil {
		return fmt.Errorf("server info: %w", err)
	}

	Printer.Println("=== Printer ===")
	printField("State", printer.State)
	if msg := strings.TrimSpace(printer.StateMessage); msg != "" {
		printField("Message", msg)
	}
	printField("Hostname", printer.Hostname)
	printField("Software", printer.SoftwareVersion)
	Printer.Println()

	Printer.Println("=== Host ===")
	printField("Version", server.MoonrakerVersion)
	printField("API", server.APIVersionString)
	printField("Klippy", server.KlippyState)
	printField("Connections", server.WebsocketCount)
	if len(server.FailedComponents) > 0 {
		printField("Failed", strings.Join(server.FailedComponents, ", "))
	}
	for _, w := range server.Warnings {
		Printer.Printf("Warning: %s\n", w)
	}
	return nil
}

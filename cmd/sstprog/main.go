package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/flashtools/sst39sf-driver/internal/driver"
	"github.com/flashtools/sst39sf-driver/internal/protocol"
	"github.com/flashtools/sst39sf-driver/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var baudFlag int

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "sstprog",
		Short: "Program an SST39SF parallel NOR flash chip over a serial link",
		Long: `sstprog drives a microcontroller serial programmer that talks to an
SST39SF-family parallel NOR flash chip: whole-chip erase, a straight binary
write starting at address 0, or multi-file programming at chosen addresses
via an instruction file.`,
	}
	rootCmd.PersistentFlags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Serial baud rate")

	var overlapFlag bool
	programCmd := &cobra.Command{
		Use:   "program <PORT> <INSTRUCTION_FILE>",
		Short: "Program flash at arbitrary addresses from an instruction file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := driver.New(args[0], baudFlag, newLogger())
			return d.RunProgram(args[1], overlapFlag)
		},
	}
	programCmd.Flags().BoolVarP(&overlapFlag, "overlap", "o", false, "Allow overlapping file intervals (logged as warnings instead of failing)")

	writeCmd := &cobra.Command{
		Use:   "write <PORT> <BIN>",
		Short: "Write a binary image starting at sector 0",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := driver.New(args[0], baudFlag, newLogger())
			return d.RunWrite(args[1])
		},
	}

	var yesFlag bool
	eraseCmd := &cobra.Command{
		Use:   "erase <PORT>",
		Short: "Erase the entire chip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := driver.New(args[0], baudFlag, newLogger())
			return d.RunErase(yesFlag)
		},
	}
	eraseCmd.Flags().BoolVarP(&yesFlag, "yes", "y", false, "Skip the interactive confirmation prompt")

	portsCmd := &cobra.Command{
		Use:   "ports",
		Short: "List available serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serial.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("No serial ports found")
				return nil
			}
			for _, p := range ports {
				fmt.Println(p)
			}
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sstprog %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(programCmd, writeCmd, eraseCmd, portsCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		driver.PrintFailure(err)
		os.Exit(1)
	}
}

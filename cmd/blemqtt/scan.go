package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blemqtt/scanner"
	"golang.org/x/sys/unix"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for nearby BLE devices",
	Long: `Scans for Bluetooth Low Energy devices and lists their names, addresses and
signal strength, strongest first. The device configured for bridging is marked.`,
	Example: `  blemqtt scan
  blemqtt scan --duration 5s --device Nano33BLE
  blemqtt scan --format json`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanAllowList []string
	scanBlockList []string
)

var targetColor = color.New(color.FgGreen, color.Bold)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (defaults to the configured scan timeout)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	duration := cfg.Device.ScanTimeout
	if scanDuration > 0 {
		duration = scanDuration
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	transport := transportFactory(logger)
	defer func() {
		if err := transport.Close(); err != nil {
			logger.WithError(err).Warn("Failed to release BLE adapter")
		}
	}()

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", "Scanning", duration, "Processing results")
	progress.Start()
	defer progress.Stop()

	devices, err := scanner.NewScanner(transport, logger).Scan(ctx, &scanner.ScanOptions{
		Duration:  duration,
		AllowList: scanAllowList,
		BlockList: scanBlockList,
	}, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}

	if scanFormat == "json" {
		return writeDevicesJSON(cmd.OutOrStdout(), devices)
	}
	return writeDevicesTable(cmd.OutOrStdout(), devices, cfg.Device.Name)
}

type deviceJSON struct {
	Name     string   `json:"name"`
	Address  string   `json:"address"`
	RSSI     int      `json:"rssi"`
	Services []string `json:"services,omitempty"`
}

func writeDevicesJSON(out io.Writer, devices []scanner.DeviceInfo) error {
	list := make([]deviceJSON, 0, len(devices))
	for _, d := range devices {
		list = append(list, deviceJSON{Name: d.Name, Address: d.Address, RSSI: d.RSSI, Services: d.Services})
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(list)
}

// writeDevicesTable prints the devices, marking the one whose name equals target.
func writeDevicesTable(out io.Writer, devices []scanner.DeviceInfo, target string) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(out, "No devices found")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\tNAME\tADDRESS\tRSSI\tSERVICES")
	for _, d := range devices {
		mark := ""
		name := d.DisplayName()
		if target != "" && d.Name == target {
			mark = "*"
			name = targetColor.Sprint(name)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", mark, name, d.Address, d.RSSI, strings.Join(d.Services, ","))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\n%d device(s) found\n", len(devices))
	return err
}

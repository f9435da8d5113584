package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/rofi-net/rofinet/internal/config"
	"github.com/rofi-net/rofinet/internal/daemon"
	"github.com/rofi-net/rofinet/internal/fdp"
	"github.com/rofi-net/rofinet/internal/hostroute"
	"github.com/rofi-net/rofinet/internal/ifreg"
	"github.com/rofi-net/rofinet/internal/linkdriver"
	"github.com/rofi-net/rofinet/internal/linkdriver/udp6"
	"github.com/rofi-net/rofinet/internal/linkfabric"
	"github.com/rofi-net/rofinet/internal/logger"
	"github.com/rofi-net/rofinet/internal/partition"
	"github.com/rofi-net/rofinet/internal/partition/file"
	"github.com/rofi-net/rofinet/internal/partition/memory"
	"github.com/rofi-net/rofinet/internal/routingtable"
	"github.com/rofi-net/rofinet/internal/routingtable/routeporttest"
	"github.com/rofi-net/rofinet/internal/rrp"
	"github.com/rofi-net/rofinet/internal/scheduler"
)

var (
	version = "1.0.0"

	silentMode  bool
	verboseMode bool
	configFile  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rofid",
		Short: "RoFI per-module networking daemon",
		Long:  "Runs the Routing Coordination Protocol and Firmware Distribution Protocol core for one RoFI module.",
	}

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the networking core as a foreground/background daemon",
		Run:   runDaemon,
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install as a system service",
		Run:   installService,
	}

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the system service",
		Run:   uninstallService,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		Run:   showStatus,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run:   showVersion,
	}

	testCmd := &cobra.Command{
		Use:   "test",
		Short: "Wire up and start the core against in-process links (no convergence check)",
		Run:   testConfiguration,
	}

	rootCmd.PersistentFlags().BoolVarP(&silentMode, "silent", "s", false, "Silent mode (error level logging only)")
	rootCmd.PersistentFlags().BoolVarP(&verboseMode, "verbose", "v", false, "Verbose mode (debug level logging)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (defaults to built-in defaults)")

	rootCmd.AddCommand(daemonCmd, installCmd, uninstallCmd, statusCmd, versionCmd, testCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func logLevel() string {
	if verboseMode {
		return "debug"
	}
	if silentMode {
		return "error"
	}
	return "info"
}

func loadConfig(log *logger.Logger) *config.Config {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log.ConfigLoaded(configFile, len(cfg.Connectors))
	return cfg
}

// buildDrivers resolves each configured connector to a linkdriver.Driver.
// cfg.Transport=="udp6" opens a real ff02::1f multicast socket per
// connector name (c.Name must then be a real OS interface); "sim" (the
// default, and what the in-process test harness uses) pairs each
// connector with an internal/linkfabric loopback peer since there is no
// second module process to multicast to.
func buildDrivers(cfg *config.Config, log *logger.Logger) map[string]linkdriver.Driver {
	drivers := make(map[string]linkdriver.Driver, len(cfg.Connectors))
	for _, c := range cfg.Connectors {
		if cfg.Transport == "udp6" {
			drv, err := udp6.Open(c.Name)
			if err != nil {
				log.Error("failed to open udp6 connector", "connector", c.Name, "error", err)
				continue
			}
			drivers[c.Name] = drv
			continue
		}

		addr, err := hex.DecodeString(c.PhysicalAddress)
		if err != nil || len(addr) != 6 {
			continue
		}
		var a [6]byte
		copy(a[:], addr)
		lo, _ := linkfabric.NewLink(c.Name, a, c.Name+"-peer", a, cfg.EventQueueSize)
		drivers[c.Name] = lo
	}
	return drivers
}

// buildCore wires C2-C7 from a loaded config and a driver set, opening
// the running and update firmware partitions itself. It is shared by the daemon and
// test subcommands so both exercise the exact same wiring path.
func buildCore(cfg *config.Config, drivers map[string]linkdriver.Driver, log *logger.Logger) (*scheduler.Shell, error) {
	reg := ifreg.New()

	var routePort routingtable.RoutePort
	if cfg.RoutePort == "netlink" {
		mgr, err := hostroute.New(nil)
		if err != nil {
			return nil, fmt.Errorf("open netlink route port: %w", err)
		}
		routePort = mgr
	} else {
		routePort = routeporttest.New()
	}
	tbl := routingtable.New(routePort, reg)
	tbl.SetLogger(log)

	if err := reg.Boot(cfg.ModuleID, cfg.Connectors, drivers, tbl); err != nil {
		return nil, fmt.Errorf("boot interface registry: %w", err)
	}

	rrpEng := rrp.New(tbl, reg, log)

	runningPartition, err := openRunningPartition(cfg)
	if err != nil {
		return nil, fmt.Errorf("open running firmware partition: %w", err)
	}
	running := fdp.RunningFirmware{
		Type:      cfg.FirmwareType,
		Version:   1,
		Size:      uint32(runningPartition.Size()),
		Partition: runningPartition,
	}
	fdpCfg := fdp.Config{
		ChunkSize:           cfg.ChunkSize,
		AnnouncePeriod:      cfg.AnnouncePeriod,
		ProgressCheckPeriod: cfg.ProgressCheckPeriod,
		InFlightExpiry:      cfg.InFlightExpiry,
		StoreCapacity:       cfg.StoreCapacity,
	}
	updatePartition, err := openUpdatePartition(cfg)
	if err != nil {
		return nil, fmt.Errorf("open update firmware partition: %w", err)
	}
	fdpEng := fdp.New(running, updatePartition, fdpCfg, reg, log)

	if cfg.UpdateStateFile != "" {
		if resumed, err := fdp.LoadState(cfg.UpdateStateFile, updatePartition); err == nil && resumed != nil {
			fdpEng.Resume(resumed)
			log.Info("resumed in-progress firmware update", "version", resumed.Version)
		}
	}

	shCfg := scheduler.Config{
		EventQueueSize:   cfg.EventQueueSize,
		ConcurrencyLimit: cfg.ConcurrencyLimit,
		UpdateStateFile:  cfg.UpdateStateFile,
		TickInterval:     cfg.ProgressCheckPeriod,
	}
	sh, err := scheduler.New(shCfg, reg, rrpEng, fdpEng, log)
	if err != nil {
		return nil, fmt.Errorf("create scheduler shell: %w", err)
	}

	wireDrivers(sh, reg, drivers)
	return sh, nil
}

// wireDrivers registers each driver's callbacks to enqueue onto the
// shell, the only path link callbacks are allowed to take into core
// state.
func wireDrivers(sh *scheduler.Shell, reg *ifreg.Registry, drivers map[string]linkdriver.Driver) {
	for name, drv := range drivers {
		handle, ok := reg.Lookup(name)
		if !ok {
			continue
		}
		handle := handle
		drv.OnEvent(func(ev linkdriver.Event) {
			sh.EnqueueLinkEvent(handle, ev)
		})
		drv.OnPacket(func(contentType uint16, payload []byte) {
			if contentType == linkdriver.ContentTypeRRP {
				tagged := append([]byte{0xff}, payload...)
				sh.EnqueuePacket(handle, tagged)
				return
			}
			if contentType != linkdriver.ContentTypeFDP {
				return
			}
			sh.EnqueuePacket(handle, payload)
		})
	}
}

func openRunningPartition(cfg *config.Config) (partition.Port, error) {
	if cfg.UpdateStateFile == "" {
		return memory.New(int64(cfg.ChunkSize) * 64), nil
	}
	dir := filepath.Dir(cfg.UpdateStateFile)
	if err := file.EnsureDir(cfg.UpdateStateFile); err != nil {
		return nil, err
	}
	return file.Open(filepath.Join(dir, "running.img"), filepath.Join(dir, "running.active.img"), int64(cfg.ChunkSize)*64)
}

func openUpdatePartition(cfg *config.Config) (partition.Port, error) {
	if cfg.UpdateStateFile == "" {
		return memory.New(int64(cfg.ChunkSize) * 64), nil
	}
	dir := filepath.Dir(cfg.UpdateStateFile)
	if err := file.EnsureDir(cfg.UpdateStateFile); err != nil {
		return nil, err
	}
	return file.Open(filepath.Join(dir, "update.img"), filepath.Join(dir, "update.active.img"), int64(cfg.ChunkSize)*64)
}

func runDaemon(_ *cobra.Command, _ []string) {
	log := logger.New(logLevel())
	cfg := loadConfig(log)
	drivers := buildDrivers(cfg, log)

	sh, err := buildCore(cfg, drivers, log)
	if err != nil {
		log.Error("failed to build networking core", "error", err)
		os.Exit(1)
	}

	if err := sh.Start(); err != nil {
		log.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	if err := sh.Wait(); err != nil {
		log.Error("scheduler exited with error", "error", err)
		os.Exit(1)
	}
}

func installService(_ *cobra.Command, _ []string) {
	if os.Getuid() != 0 {
		fmt.Fprintln(os.Stderr, "Error: install requires root privileges")
		fmt.Println("Please run: sudo rofid install")
		os.Exit(1)
	}

	currentExecPath, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get executable path: %v\n", err)
		os.Exit(1)
	}

	installDir := "/usr/local/bin"
	targetPath := filepath.Join(installDir, "rofid")

	if err := os.MkdirAll(installDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create install directory: %v\n", err)
		os.Exit(1)
	}

	if currentExecPath != targetPath {
		fmt.Printf("Installing binary to %s\n", targetPath)
		if err := copyFile(currentExecPath, targetPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to copy binary: %v\n", err)
			os.Exit(1)
		}
		if err := os.Chmod(targetPath, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to set executable permissions: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Println("Installing system service...")
	service := daemon.NewPlatformService(targetPath, configFile)
	if err := service.Install(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to install service: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Service installed successfully (%s)\n", runtime.GOOS)
}

func uninstallService(_ *cobra.Command, _ []string) {
	if os.Getuid() != 0 {
		fmt.Fprintln(os.Stderr, "Error: uninstall requires root privileges")
		fmt.Println("Please run: sudo rofid uninstall")
		os.Exit(1)
	}

	service := daemon.NewPlatformService("", "")
	if err := service.Uninstall(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to uninstall service: %v\n", err)
	} else {
		fmt.Println("System service uninstalled")
	}

	targetPath := "/usr/local/bin/rofid"
	if _, err := os.Stat(targetPath); err == nil {
		if err := os.Remove(targetPath); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove binary: %v\n", err)
		} else {
			fmt.Println("Binary file removed")
		}
	}
}

func showStatus(_ *cobra.Command, _ []string) {
	service := daemon.NewPlatformService("", "")
	status, err := service.Status()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get service status: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Service status: %s\n", status)
	fmt.Printf("Service installed: %t\n", service.IsInstalled())
}

func showVersion(_ *cobra.Command, _ []string) {
	fmt.Printf("rofid v%s\n", version)
	fmt.Printf("Runtime: %s\n", runtime.Version())
	fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// testConfiguration builds the core against an in-process simulated link
// pair (the same linkfabric used in tests) and starts the scheduler,
// showing that config loading and wiring succeed without real
// connectors. It does not exchange or check any RRP traffic.
func testConfiguration(_ *cobra.Command, _ []string) {
	log := logger.New(logLevel())
	cfg := loadConfig(log)
	fmt.Println("Configuration loaded")

	if len(cfg.Connectors) == 0 {
		cfg.Connectors = []config.ConnectorSpec{{Name: "sim0", PhysicalAddress: "aabbccddeeff"}}
	}

	drivers := buildDrivers(cfg, log)
	fmt.Printf("Built %d simulated connector(s)\n", len(drivers))

	sh, err := buildCore(cfg, drivers, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build networking core: %v\n", err)
		os.Exit(1)
	}

	if err := sh.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start scheduler: %v\n", err)
		os.Exit(1)
	}
	defer sh.Stop()

	fmt.Println("Networking core started")
	fmt.Println("All tests passed")
}

func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	_, err = io.Copy(destFile, sourceFile)
	return err
}

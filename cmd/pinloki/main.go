package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mariadb-corporation/pinloki/internal/logging"
	"github.com/mariadb-corporation/pinloki/pkg/config"
	"github.com/mariadb-corporation/pinloki/pkg/gtid"
	"github.com/mariadb-corporation/pinloki/pkg/pinloki"
)

func main() {
	cfg, logCfg, action := parseFlags()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	svc, err := pinloki.New(cfg.DataDir, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if cfg.Host != "" {
		if err := svc.ChangeMaster(map[string]string{
			"host": cfg.Host, "port": fmt.Sprint(cfg.Port), "user": cfg.User, "password": cfg.Password,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	switch action {
	case "status":
		printStatus(svc)
		return
	default:
		run(svc)
	}
}

// run starts the background transformer and replication ingestion and
// blocks until SIGINT/SIGTERM.
func run(svc *pinloki.Service) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() { errs <- svc.Run(ctx) }()

	if err := svc.StartSlave(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case err := <-errs:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	svc.StopSlave()
}

func parseFlags() (config.Config, logging.Config, string) {
	var cfg config.Config
	var logCfg logging.Config
	var action string
	var cipher string
	var expirationMode string
	var compression string
	var netTimeoutSec int
	var expireLogDurationHours int
	var purgePollHours int

	flag.StringVar(&cfg.DataDir, "datadir", "", "Binlog data directory (required; created if absent)")
	flag.StringVar(&cfg.Host, "host", "", "Upstream primary host")
	flag.StringVar(&cfg.User, "user", "", "Upstream replication user")
	flag.StringVar(&cfg.Password, "password", "", "Upstream replication password")
	flag.BoolVar(&cfg.SelectMaster, "select-master", false, "Auto-select the upstream primary instead of -host")
	flag.BoolVar(&cfg.DDLOnly, "ddl-only", false, "Persist DDL events and their framing only, dropping row bodies")
	flag.StringVar(&cfg.EncryptionKeyID, "encryption-key-id", "", "Encryption key ID (empty disables encryption)")
	flag.StringVar(&cipher, "encryption-cipher", "AES_CBC", "Encryption cipher: AES_CBC, AES_CTR, or AES_GCM")
	flag.StringVar(&cfg.KeysDir, "keys-dir", "", "Directory holding <key-id> key material files")
	flag.StringVar(&expirationMode, "expiration-mode", "purge", "Expiration policy: purge or archive")
	flag.StringVar(&cfg.ArchiveDir, "archivedir", "", "Archive directory (required when -expiration-mode=archive)")
	flag.IntVar(&cfg.ExpireLogMinimumFiles, "expire-log-minimum-files", config.DefaultExpireLogMinimumFiles, "Minimum retained files regardless of age")
	flag.IntVar(&expireLogDurationHours, "expire-log-duration-hours", 0, "Retention window in hours (0 disables age-based expiry)")
	flag.StringVar(&compression, "compression-algorithm", "none", "Compression algorithm: none or zstandard")
	flag.IntVar(&cfg.NumberOfNoncompressedFiles, "number-of-noncompressed-files", config.DefaultNumberOfNoncompressedFiles, "Most recent files left uncompressed")
	flag.IntVar(&purgePollHours, "purge-poll-timeout-hours", 1, "How often the transformer rechecks expiry policy")
	flag.BoolVar(&cfg.UseSemiSync, "rpl-semi-sync-slave-enabled", false, "Request semi-sync replication from upstream")
	flag.IntVar(&netTimeoutSec, "net-timeout-seconds", 30, "Upstream socket read/write/connect timeout")

	flag.StringVar(&logCfg.LogFile, "log-file", "", "Log file path (empty logs to stderr only)")
	flag.StringVar(&logCfg.Level, "log-level", "info", "Log level: debug, info, warn, error")
	flag.BoolVar(&logCfg.Development, "log-dev", false, "Also write a human-readable copy of logs to stderr")

	var serverID uint
	flag.UintVar(&serverID, "server-id", 0, "Server ID advertised to the upstream primary (required)")
	var port uint
	flag.UintVar(&port, "port", 3306, "Upstream primary port")
	flag.StringVar(&action, "action", "run", "What to do: run (default) or status")

	flag.Parse()

	cfg.ServerID = uint32(serverID)
	cfg.Port = uint16(port)
	cfg.EncryptionCipher = cipher
	cfg.ExpirationMode = expirationMode
	cfg.CompressionAlgorithm = compression
	cfg.ExpireLogDuration = time.Duration(expireLogDurationHours) * time.Hour
	cfg.PurgePollTimeout = time.Duration(purgePollHours) * time.Hour
	cfg.NetTimeout = time.Duration(netTimeoutSec) * time.Second
	cfg.HeartbeatInterval = config.DefaultHeartbeatInterval
	cfg.ReconnectDelay = config.DefaultReconnectDelay

	return cfg, logCfg, action
}

func printStatus(svc *pinloki.Service) {
	file, size, err := svc.ShowMasterStatus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	ss := svc.ShowSlaveStatus()
	bins := svc.ShowBinlogs()

	fmt.Println(strings.Repeat("-", 60))
	fmt.Println("Master status")
	fmt.Printf("  File: %s\n", file)
	fmt.Printf("  Size: %d\n", size)
	fmt.Println(strings.Repeat("-", 60))
	fmt.Println("Slave status")
	fmt.Printf("  Slave_IO_Running: %s\n", ss.SlaveIORunning)
	fmt.Printf("  Last_Errno: %d\n", ss.LastErrno)
	fmt.Printf("  Last_Error: %s\n", ss.LastError)
	fmt.Printf("  Gtid_IO_Pos: %s\n", gtidString(ss.GtidIOPos))
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("Binlog files (%d)\n", len(bins))
	for _, name := range bins {
		fmt.Printf("  %s\n", name)
	}
}

func gtidString(l *gtid.List) string {
	if l == nil {
		return ""
	}
	return l.String()
}

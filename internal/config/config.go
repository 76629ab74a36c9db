// Package config builds the runtime Config for cmd/spice-charserver,
// mirroring the teacher's server/config.go: a flat JSON-tagged struct, an
// optional JSON override file, and a urfave/cli flag set wired into it in
// server/main.go's Action-function style.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/spice-gm/spice-server-go/chardevice"
	"github.com/spice-gm/spice-server-go/internal/logging"
	"github.com/spice-gm/spice-server-go/smartcard"
	"github.com/spice-gm/spice-server-go/vmc"
)

// Config is the full set of knobs SPEC_FULL.md §1 "Configuration" names:
// device adapter selection, listen address, per-client token windows, ACK
// window size, smartcard reader count, and VMC compression/queue limits.
type Config struct {
	Listen string `json:"listen"`

	LogPath  string `json:"log"`
	LogLevel string `json:"loglevel"`
	Quiet    bool   `json:"quiet"`

	SnmpLog    string `json:"snmplog"`
	SnmpPeriod int    `json:"snmpperiod"`

	ClientTokensInterval uint64 `json:"client_tokens_interval"`
	RetryIntervalMs      int    `json:"retry_interval_ms"`
	WaitForTokensTimeoutS int   `json:"wait_for_tokens_timeout_s"`
	AckWindow            int   `json:"ack_window"`

	SmartcardMaxReaders int `json:"smartcard_max_readers"`

	VmcChunkSize         int `json:"vmc_chunk_size"`
	VmcCompressThreshold int `json:"vmc_compress_threshold"`
	VmcQueueLimit        int `json:"vmc_queue_limit"`

	EnableWebSocket bool `json:"websocket"`

	PSKPassphrase   string `json:"psk_passphrase"`
	EnableGuestComp bool   `json:"guest_comp"`
}

// Defaults mirrors server/config.go's zero-value-plus-flag-defaults shape:
// a Config usable standalone, before any CLI flags or JSON override are
// applied.
func Defaults() Config {
	return Config{
		Listen:                ":5924",
		LogLevel:              "info",
		ClientTokensInterval:  1,
		RetryIntervalMs:       100,
		WaitForTokensTimeoutS: 30,
		AckWindow:             30,
		SmartcardMaxReaders:   smartcard.MaxReaders,
		VmcChunkSize:          vmc.DefaultChunkSize,
		VmcCompressThreshold:  vmc.DefaultCompressThreshold,
		VmcQueueLimit:         vmc.DefaultQueueLimit,
	}
}

// parseJSONConfig overrides config in place from the JSON file at path,
// exactly as server/config.go's function of the same name does.
func parseJSONConfig(config *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewDecoder(file).Decode(config)
}

// LogLevelValue maps the configured LogLevel string to a logging.Level,
// defaulting to LevelInfo on an unrecognized value. Quiet raises a level
// below LevelWarn to LevelWarn.
func (c Config) LogLevelValue() logging.Level {
	level := logging.LevelInfo
	switch c.LogLevel {
	case "debug":
		level = logging.LevelDebug
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	}
	if c.Quiet && level < logging.LevelWarn {
		level = logging.LevelWarn
	}
	return level
}

// CharDeviceConfig projects the token/retry knobs onto chardevice.Config.
func (c Config) CharDeviceConfig() chardevice.Config {
	return chardevice.Config{
		ClientTokensInterval: c.ClientTokensInterval,
		RetryInterval:        time.Duration(c.RetryIntervalMs) * time.Millisecond,
		WaitForTokensTimeout: time.Duration(c.WaitForTokensTimeoutS) * time.Second,
	}
}

// VmcConfig projects the compression/queue knobs onto vmc.Config.
func (c Config) VmcConfig() vmc.Config {
	return vmc.Config{
		ChunkSize:         c.VmcChunkSize,
		CompressThreshold: c.VmcCompressThreshold,
		QueueLimit:        c.VmcQueueLimit,
		Device:            c.CharDeviceConfig(),
	}
}

// Flags is the urfave/cli flag set, mirroring server/main.go's flag list
// adapted to this module's knobs (no KCP/FEC/crypto-mode flags — those
// belonged to the tunnel transport this module doesn't have).
func Flags() []cli.Flag {
	d := Defaults()
	return []cli.Flag{
		cli.StringFlag{
			Name:  "listen,l",
			Value: d.Listen,
			Usage: `server listen address, eg: "IP:5924" for a single port, "IP:minport-maxport" for a port range`,
		},
		cli.StringFlag{
			Name:  "loglevel",
			Value: d.LogLevel,
			Usage: "debug, info, warn, error",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "write log output to this file instead of stderr",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "suppress informational log output",
		},
		cli.StringFlag{
			Name:  "snmplog",
			Value: "",
			Usage: "log session/device stats to this CSV file path at an interval",
		},
		cli.IntFlag{
			Name:  "snmpperiod",
			Value: 60,
			Usage: "snmplog interval in seconds",
		},
		cli.Uint64Flag{
			Name:  "client-tokens-interval",
			Value: d.ClientTokensInterval,
			Usage: "returned client credits accumulated before being advertised",
		},
		cli.IntFlag{
			Name:  "retry-interval-ms",
			Value: d.RetryIntervalMs,
			Usage: "write-retry timer interval in milliseconds when the adapter doesn't self-report writability",
		},
		cli.IntFlag{
			Name:  "wait-for-tokens-timeout-s",
			Value: d.WaitForTokensTimeoutS,
			Usage: "seconds a client may hold zero send-credit before being force-removed, 0 uses the 30s default, negative disables",
		},
		cli.IntFlag{
			Name:  "ack-window",
			Value: d.AckWindow,
			Usage: "messages sent to a channel client before an ACK is requested",
		},
		cli.IntFlag{
			Name:  "smartcard-max-readers",
			Value: d.SmartcardMaxReaders,
			Usage: "maximum concurrently attached smartcard readers per session",
		},
		cli.IntFlag{
			Name:  "vmc-chunk-size",
			Value: d.VmcChunkSize,
			Usage: "maximum bytes read from the guest per spicevmc read",
		},
		cli.IntFlag{
			Name:  "vmc-compress-threshold",
			Value: d.VmcCompressThreshold,
			Usage: "chunk size above which LZ4 compression is attempted when the peer supports it",
		},
		cli.IntFlag{
			Name:  "vmc-queue-limit",
			Value: d.VmcQueueLimit,
			Usage: "soft outbound byte ceiling above which spicevmc reads are suspended",
		},
		cli.BoolFlag{
			Name:  "websocket",
			Usage: "accept WebSocket-framed (RFC6455) client connections in addition to raw streams",
		},
		cli.StringFlag{
			Name:  "psk-passphrase",
			Value: "",
			Usage: "pre-shared passphrase obfuscating the guest-side device connection with AES-CTR, empty disables it",
		},
		cli.BoolFlag{
			Name:  "guest-comp",
			Usage: "snappy-compress the guest-side device connection",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
	}
}

// FromContext builds a Config from CLI flags, applying an optional "-c"
// JSON override file afterward, exactly as server/main.go's Action does
// for its own Config.
func FromContext(c *cli.Context) (Config, error) {
	cfg := Defaults()
	cfg.Listen = c.String("listen")
	cfg.LogLevel = c.String("loglevel")
	cfg.LogPath = c.String("log")
	cfg.Quiet = c.Bool("quiet")
	cfg.SnmpLog = c.String("snmplog")
	cfg.SnmpPeriod = c.Int("snmpperiod")
	cfg.ClientTokensInterval = c.Uint64("client-tokens-interval")
	cfg.RetryIntervalMs = c.Int("retry-interval-ms")
	cfg.WaitForTokensTimeoutS = c.Int("wait-for-tokens-timeout-s")
	cfg.AckWindow = c.Int("ack-window")
	cfg.SmartcardMaxReaders = c.Int("smartcard-max-readers")
	cfg.VmcChunkSize = c.Int("vmc-chunk-size")
	cfg.VmcCompressThreshold = c.Int("vmc-compress-threshold")
	cfg.VmcQueueLimit = c.Int("vmc-queue-limit")
	cfg.EnableWebSocket = c.Bool("websocket")
	cfg.PSKPassphrase = c.String("psk-passphrase")
	cfg.EnableGuestComp = c.Bool("guest-comp")

	if path := c.String("c"); path != "" {
		if err := parseJSONConfig(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

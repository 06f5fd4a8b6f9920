package peer

import (
	"fmt"
	"strings"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/util"
)

// APIOptions configures the pion engine shared by every Session.
type APIOptions struct {
	// LogLevel for pion internals: disabled, error, warn, info, debug or trace.
	// Empty means warn.
	LogLevel string

	// IncludeLoopback gathers 127.0.0.1 host candidates, which lets two
	// sessions on one machine connect without a usable LAN interface.
	IncludeLoopback bool

	// NetworkTypes restricts candidate gathering. Empty keeps pion's default.
	NetworkTypes []webrtc.NetworkType
}

// NewAPI builds a webrtc.API whose pion loggers write through the
// application logger.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	level, err := parseLogLevel(opts.LogLevel)
	if err != nil {
		return nil, err
	}

	factory := logging.NewDefaultLoggerFactory()
	factory.DefaultLogLevel = level
	factory.Writer = pionWriter{}

	se := webrtc.SettingEngine{LoggerFactory: factory}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)
	if len(opts.NetworkTypes) > 0 {
		se.SetNetworkTypes(opts.NetworkTypes)
	}

	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}

func parseLogLevel(name string) (logging.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "disabled", "off", "none":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "", "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	default:
		return logging.LogLevelDisabled, fmt.Errorf("unknown pion log level %q", name)
	}
}

// pionWriter forwards pion log lines to the debug log. pion has already
// filtered them by its own level.
type pionWriter struct{}

func (pionWriter) Write(p []byte) (int, error) {
	util.LogDebug("pion: %s", strings.TrimRight(string(p), "\r\n"))
	return len(p), nil
}

// ICEServers turns plain server URLs into a pion ICE configuration. Blank
// entries are skipped.
func ICEServers(urls []string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
		}
	}
	return servers
}

// Package config загружает настройки приложения из INI файла.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
	ini "gopkg.in/ini.v1"
	"mellium.im/xmpp/jid"

	"github.com/arzzra/jingle_phone/pkg/call"
	"github.com/arzzra/jingle_phone/pkg/logging"
	"github.com/arzzra/jingle_phone/pkg/media"
	"github.com/arzzra/jingle_phone/pkg/rtp"
)

// Settings настройки приложения.
type Settings struct {
	Jingle  JingleSettings
	Media   MediaSettings
	Signal  SignalSettings
	Log     LogSettings
	Metrics MetricsSettings
}

// JingleSettings секция [jingle].
type JingleSettings struct {
	JID                     *jid.JID
	ContentAddCandidateWait time.Duration
	TransportInfoWait       time.Duration
	ResponseTimeout         time.Duration
}

// MediaSettings секция [media].
type MediaSettings struct {
	Host     string
	Offer    []media.Type
	Video    bool
	DSCP     int
	Priority int
}

// SignalSettings секция [signal].
type SignalSettings struct {
	// Listen адрес websocket сервера. Пустой адрес отключает прием.
	Listen string
	Path   string
	// Peer адрес сервера удаленной стороны (ws://...).
	Peer    string
	PeerJID *jid.JID
	Roster  []*jid.JID
}

// LogSettings секция [logging].
type LogSettings struct {
	Format       string
	ConsoleLevel slog.Level
	File         string
	FileLevel    slog.Level
	MaxSizeMB    int
	MaxBackups   int
	MaxAgeDays   int
	Compress     bool
}

// MetricsSettings секция [metrics].
type MetricsSettings struct {
	Enabled bool
	Listen  string
	Path    string
}

// Load читает настройки из файла.
func Load(path string) (*Settings, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return LoadSettings(cfg)
}

// LoadSettings разбирает и проверяет настройки.
func LoadSettings(cfg *ini.File) (*Settings, error) {
	s := &Settings{}
	var err error

	sec := cfg.Section("jingle")
	if s.Jingle.JID, err = parseJID(sec.Key("jid").String()); err != nil {
		return nil, errors.Wrap(err, "[jingle] jid")
	}
	s.Jingle.ContentAddCandidateWait = sec.Key("content_add_candidate_wait").MustDuration(call.DefaultContentAddCandidateWait)
	s.Jingle.TransportInfoWait = sec.Key("transport_info_wait").MustDuration(call.DefaultTransportInfoWait)
	s.Jingle.ResponseTimeout = sec.Key("response_timeout").MustDuration(call.DefaultResponseTimeout)

	sec = cfg.Section("media")
	s.Media.Host = sec.Key("host").MustString("127.0.0.1")
	s.Media.Video = sec.Key("video").MustBool(false)
	s.Media.DSCP = sec.Key("dscp").MustInt(rtp.DSCPExpeditedForwarding)
	s.Media.Priority = sec.Key("priority").MustInt(rtp.DefaultSocketOptions().Priority)
	for _, name := range sec.Key("offer").Strings(",") {
		mt, err := media.ParseType(name)
		if err != nil {
			return nil, errors.Wrap(err, "[media] offer")
		}
		s.Media.Offer = append(s.Media.Offer, mt)
	}
	if len(s.Media.Offer) == 0 {
		s.Media.Offer = []media.Type{media.Audio}
	}

	sec = cfg.Section("signal")
	s.Signal.Listen = sec.Key("listen").String()
	s.Signal.Path = sec.Key("path").MustString("/jingle")
	s.Signal.Peer = sec.Key("peer").String()
	if raw := sec.Key("peer_jid").String(); raw != "" {
		if s.Signal.PeerJID, err = parseJID(raw); err != nil {
			return nil, errors.Wrap(err, "[signal] peer_jid")
		}
	}
	for _, raw := range sec.Key("roster").Strings(",") {
		j, err := parseJID(raw)
		if err != nil {
			return nil, errors.Wrap(err, "[signal] roster")
		}
		s.Signal.Roster = append(s.Signal.Roster, j)
	}

	sec = cfg.Section("logging")
	s.Log.Format = sec.Key("format").MustString(logging.FormatText)
	if s.Log.ConsoleLevel, err = logging.ParseLevel(sec.Key("console_level").MustString("info")); err != nil {
		return nil, errors.Wrap(err, "[logging] console_level")
	}
	if s.Log.FileLevel, err = logging.ParseLevel(sec.Key("file_level").MustString("debug")); err != nil {
		return nil, errors.Wrap(err, "[logging] file_level")
	}
	s.Log.File = sec.Key("file").String()
	s.Log.MaxSizeMB = sec.Key("max_size").MustInt(100)
	s.Log.MaxBackups = sec.Key("max_backups").MustInt(1)
	s.Log.MaxAgeDays = sec.Key("max_age").MustInt(0)
	s.Log.Compress = sec.Key("compress").MustBool(false)

	sec = cfg.Section("metrics")
	s.Metrics.Enabled = sec.Key("enabled").MustBool(false)
	s.Metrics.Listen = sec.Key("listen").MustString(":9100")
	s.Metrics.Path = sec.Key("path").MustString("/metrics")

	if err := s.CallConfig(nil, nil).Validate(); err != nil {
		return nil, errors.Wrap(err, "[jingle]")
	}
	if s.Signal.Listen == "" && s.Signal.Peer == "" {
		return nil, errors.New("[signal] listen or peer must be set")
	}
	return s, nil
}

// CallConfig возвращает параметры ядра звонка.
func (s *Settings) CallConfig(logger *slog.Logger, metrics *call.Metrics) call.Config {
	return call.Config{
		Logger:                  logger,
		Metrics:                 metrics,
		ContentAddCandidateWait: s.Jingle.ContentAddCandidateWait,
		TransportInfoWait:       s.Jingle.TransportInfoWait,
		ResponseTimeout:         s.Jingle.ResponseTimeout,
	}
}

// MediaConfig возвращает параметры медиа обработчика.
func (s *Settings) MediaConfig(logger *slog.Logger) media.RTPHandlerConfig {
	cfg := media.DefaultRTPHandlerConfig()
	cfg.Host = s.Media.Host
	cfg.Offer = s.Media.Offer
	cfg.Video = s.Media.Video
	cfg.Socket = rtp.SocketOptions{DSCP: s.Media.DSCP, Priority: s.Media.Priority}
	cfg.Logger = logger
	return cfg
}

// LoggingOptions возвращает параметры логгера.
func (s *Settings) LoggingOptions() logging.Options {
	return logging.Options{
		Format:       s.Log.Format,
		ConsoleLevel: s.Log.ConsoleLevel,
		File:         s.Log.File,
		FileLevel:    s.Log.FileLevel,
		MaxSizeMB:    s.Log.MaxSizeMB,
		MaxBackups:   s.Log.MaxBackups,
		MaxAgeDays:   s.Log.MaxAgeDays,
		Compress:     s.Log.Compress,
	}
}

func parseJID(raw string) (*jid.JID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("address is empty")
	}
	j, err := jid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

package config

import (
	"path/filepath"
	"time"
)

// SerialConfig holds the [serial] section used by the Modbus RTU transport.
type SerialConfig struct {
	Device   string
	Baud     int
	Parity   string // none, even, odd
	StopBits int
}

// HostConfig is everything the host reads from its configuration file.
type HostConfig struct {
	// [plc]
	Transport       string // tcp or rtu
	Host            string
	Port            int
	UnitID          int
	Timeout         time.Duration
	MaxAttempts     int
	RetryDelay      time.Duration
	Backoff         string // constant, linear or exponential
	StaleAfter      time.Duration
	ControlRegister int
	MagicNumber     int
	WordOrder       string // high_first or low_first
	MaxChunk        int

	// [recipe_area]
	RowCountRegister int
	IntBase          int
	FloatBase        int
	MaxRows          int

	// [serial], only when Transport is rtu
	Serial SerialConfig

	// [schema]
	SchemaPath string

	// [status_api], empty Addr disables the server
	StatusAddr string
}

// ParseHostConfig loads a host configuration file.
func ParseHostConfig(path string) (*HostConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	hc, err := hostConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	if hc.SchemaPath != "" && !filepath.IsAbs(hc.SchemaPath) {
		hc.SchemaPath = filepath.Join(filepath.Dir(path), hc.SchemaPath)
	}
	return hc, nil
}

// HostConfigFromString parses a host configuration held in memory.
func HostConfigFromString(data string) (*HostConfig, error) {
	cfg, err := LoadString(data)
	if err != nil {
		return nil, err
	}
	return hostConfigFrom(cfg)
}

func hostConfigFrom(cfg *Config) (*HostConfig, error) {
	hc := &HostConfig{}

	plc, err := cfg.GetSection("plc")
	if err != nil {
		return nil, err
	}
	if err := readPLC(plc, hc); err != nil {
		return nil, err
	}

	area, err := cfg.GetSection("recipe_area")
	if err != nil {
		return nil, err
	}
	if err := readRecipeArea(area, hc); err != nil {
		return nil, err
	}

	if hc.Transport == "rtu" {
		serial, err := cfg.GetSection("serial")
		if err != nil {
			return nil, err
		}
		if err := readSerial(serial, hc); err != nil {
			return nil, err
		}
	}

	if sec := cfg.GetSectionOptional("schema"); sec != nil {
		if hc.SchemaPath, err = sec.Get("path"); err != nil {
			return nil, err
		}
	}

	if sec := cfg.GetSectionOptional("status_api"); sec != nil {
		if hc.StatusAddr, err = sec.Get("addr", ":7126"); err != nil {
			return nil, err
		}
	}

	if err := cfg.CheckUnused(); err != nil {
		return nil, err
	}
	return hc, nil
}

func readPLC(s *Section, hc *HostConfig) error {
	var err error
	if hc.Transport, err = s.GetChoice("transport", []string{"tcp", "rtu"}, "tcp"); err != nil {
		return err
	}
	if hc.Transport == "tcp" {
		if hc.Host, err = s.Get("host"); err != nil {
			return err
		}
		if hc.Port, err = s.GetIntInRange("port", 1, 65535, 502); err != nil {
			return err
		}
	}
	if hc.UnitID, err = s.GetIntInRange("unit_id", 0, 247, 1); err != nil {
		return err
	}
	if hc.Timeout, err = s.GetDuration("timeout", 3*time.Second); err != nil {
		return err
	}
	if hc.MaxAttempts, err = s.GetIntInRange("max_attempts", 1, 100, 3); err != nil {
		return err
	}
	if hc.RetryDelay, err = s.GetDuration("retry_delay", 500*time.Millisecond); err != nil {
		return err
	}
	if hc.Backoff, err = s.GetChoice("backoff", []string{"constant", "linear", "exponential"}, "linear"); err != nil {
		return err
	}
	if hc.StaleAfter, err = s.GetDuration("stale_after", 10*time.Second); err != nil {
		return err
	}
	if hc.ControlRegister, err = s.GetIntInRange("control_register", 0, 0xffff); err != nil {
		return err
	}
	if hc.MagicNumber, err = s.GetIntInRange("magic_number", 0, 0xffff); err != nil {
		return err
	}
	if hc.WordOrder, err = s.GetChoice("word_order", []string{"high_first", "low_first"}, "high_first"); err != nil {
		return err
	}
	if hc.MaxChunk, err = s.GetIntInRange("max_chunk", 1, 123, 100); err != nil {
		return err
	}
	return nil
}

func readRecipeArea(s *Section, hc *HostConfig) error {
	var err error
	if hc.RowCountRegister, err = s.GetIntInRange("row_count_register", 0, 0xffff, hc.ControlRegister+1); err != nil {
		return err
	}
	if hc.RowCountRegister == hc.ControlRegister {
		return ErrOutOfRange(s.GetName(), "row_count_register", float64(hc.RowCountRegister), "must differ from control_register")
	}
	if hc.IntBase, err = s.GetIntInRange("int_base", 0, 0xffff); err != nil {
		return err
	}
	if hc.FloatBase, err = s.GetIntInRange("float_base", 0, 0xffff); err != nil {
		return err
	}
	if hc.MaxRows, err = s.GetIntInRange("max_rows", 1, 0xffff, 200); err != nil {
		return err
	}
	return nil
}

func readSerial(s *Section, hc *HostConfig) error {
	var err error
	if hc.Serial.Device, err = s.Get("device"); err != nil {
		return err
	}
	if hc.Serial.Baud, err = s.GetIntInRange("baud", 300, 4000000, 19200); err != nil {
		return err
	}
	if hc.Serial.Parity, err = s.GetChoice("parity", []string{"none", "even", "odd"}, "even"); err != nil {
		return err
	}
	if hc.Serial.StopBits, err = s.GetIntInRange("stop_bits", 1, 2, 1); err != nil {
		return err
	}
	return nil
}

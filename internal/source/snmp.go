// Package source provides ValueSource implementations for the scheduler.
//
// This file implements the SNMP source, which maps a tag's address to an
// SNMP OID and performs GET operations against one agent.
package source

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/opsgrid/tagdvr/internal/errors"
	"github.com/opsgrid/tagdvr/internal/logging"
	"github.com/opsgrid/tagdvr/internal/tag"
)

var snmpLog = logging.Component("snmp")

// SNMPConfig holds per-connection SNMP settings.
type SNMPConfig struct {
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`

	// v2c
	Community string `yaml:"community"`

	// v3
	SecurityName  string `yaml:"security_name"`
	SecurityLevel string `yaml:"security_level"`
	AuthProtocol  string `yaml:"auth_protocol"`
	AuthPassword  string `yaml:"auth_password"`
	PrivProtocol  string `yaml:"priv_protocol"`
	PrivPassword  string `yaml:"priv_password"`

	// Timing
	TimeoutMs uint32 `yaml:"timeout_ms"`
	Retries   uint32 `yaml:"retries"`
}

// Validate checks the configuration.
func (c *SNMPConfig) Validate() error {
	if c.Host == "" {
		return errors.NewMissingField("host")
	}
	if c.SecurityName == "" && c.Community == "" {
		// Refusing to fall back to an insecure default community.
		return errors.NewValidation("community", "v2c requires a community string")
	}
	return nil
}

// SNMPSource reads tag values from one SNMP agent. The tag's Address is
// the OID to GET.
type SNMPSource struct {
	cfg SNMPConfig
}

// NewSNMPSource creates an SNMP source for one connection.
func NewSNMPSource(cfg SNMPConfig) (*SNMPSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = 161
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = 5000
	}

	s := &SNMPSource{cfg: cfg}
	snmpLog.Info("source configured", "target", s.Describe())
	return s, nil
}

// Read implements scheduler.ValueSource. Agent-unreachable errors wrap
// ErrConnectionFailed so the scheduler can surface them once per tick;
// per-OID problems wrap ErrReadFailed and feed that tag's throttle.
func (s *SNMPSource) Read(ctx context.Context, t tag.Tag) (tag.Value, error) {
	client := s.createClient()

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < client.Timeout {
			client.Timeout = remaining
		}
	}

	if err := client.Connect(); err != nil {
		return tag.Value{}, errors.Wrapf(errors.ErrConnectionFailed, "connect %s: %v", s.cfg.Host, err)
	}
	defer client.Conn.Close()

	pdu, err := client.Get([]string{t.Address})
	if err != nil {
		if isUnreachable(err) {
			return tag.Value{}, errors.Wrapf(errors.ErrConnectionFailed, "get %s: %v", s.cfg.Host, err)
		}
		if isTimeout(err) {
			return tag.Value{}, errors.Wrapf(errors.ErrTimeout, "get %s: %v", t.Address, err)
		}
		return tag.Value{}, errors.Wrapf(errors.ErrReadFailed, "get %s: %v", t.Address, err)
	}
	if len(pdu.Variables) == 0 {
		return tag.Value{}, errors.Wrap(errors.ErrReadFailed, "no variables returned")
	}

	return s.toValue(t, pdu.Variables[0])
}

// toValue converts one PDU variable into a tag value.
func (s *SNMPSource) toValue(t tag.Tag, variable gosnmp.SnmpPDU) (tag.Value, error) {
	v := tag.Value{
		TagID:       t.ID,
		TimestampMs: time.Now().UnixMilli(),
		Quality:     tag.QualityGood,
	}

	switch variable.Type {
	case gosnmp.Counter32, gosnmp.Counter64, gosnmp.Uinteger32, gosnmp.Gauge32:
		v.Numeric = float64(gosnmp.ToBigInt(variable.Value).Uint64())

	case gosnmp.Integer:
		n := gosnmp.ToBigInt(variable.Value).Int64()
		if t.Type == tag.DataTypeBoolean && n != 0 {
			n = 1
		}
		v.Numeric = float64(n)

	case gosnmp.TimeTicks:
		v.Numeric = float64(gosnmp.ToBigInt(variable.Value).Uint64())

	case gosnmp.OctetString:
		text := string(variable.Value.([]byte))
		if t.Type == tag.DataTypeString {
			v.Text = text
		} else {
			return tag.Value{}, errors.Wrapf(errors.ErrReadFailed,
				"tag %s: string value for %s tag", t.ID, t.Type)
		}

	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance:
		return tag.Value{}, errors.Wrapf(errors.ErrReadFailed, "OID %s not found", t.Address)

	default:
		return tag.Value{}, errors.Wrapf(errors.ErrReadFailed,
			"unsupported SNMP type %v for OID %s", variable.Type, t.Address)
	}

	return v, nil
}

func (s *SNMPSource) createClient() *gosnmp.GoSNMP {
	cfg := s.cfg

	client := &gosnmp.GoSNMP{
		Target:  cfg.Host,
		Port:    cfg.Port,
		Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		Retries: int(cfg.Retries),
	}

	if cfg.SecurityName != "" {
		client.Version = gosnmp.Version3
		client.SecurityModel = gosnmp.UserSecurityModel
		client.MsgFlags = msgFlags(cfg.SecurityLevel)
		client.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 cfg.SecurityName,
			AuthenticationProtocol:   authProtocol(cfg.AuthProtocol),
			AuthenticationPassphrase: cfg.AuthPassword,
			PrivacyProtocol:          privProtocol(cfg.PrivProtocol),
			PrivacyPassphrase:        cfg.PrivPassword,
		}
	} else {
		client.Version = gosnmp.Version2c
		client.Community = cfg.Community
	}

	return client
}

func msgFlags(level string) gosnmp.SnmpV3MsgFlags {
	switch level {
	case "authNoPriv":
		return gosnmp.AuthNoPriv
	case "authPriv":
		return gosnmp.AuthPriv
	default:
		return gosnmp.NoAuthNoPriv
	}
}

func authProtocol(protocol string) gosnmp.SnmpV3AuthProtocol {
	switch protocol {
	case "MD5":
		return gosnmp.MD5
	case "SHA":
		return gosnmp.SHA
	case "SHA224":
		return gosnmp.SHA224
	case "SHA256":
		return gosnmp.SHA256
	case "SHA384":
		return gosnmp.SHA384
	case "SHA512":
		return gosnmp.SHA512
	default:
		return gosnmp.NoAuth
	}
}

func privProtocol(protocol string) gosnmp.SnmpV3PrivProtocol {
	switch protocol {
	case "DES":
		return gosnmp.DES
	case "AES":
		return gosnmp.AES
	case "AES192":
		return gosnmp.AES192
	case "AES256":
		return gosnmp.AES256
	default:
		return gosnmp.NoPriv
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func isUnreachable(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no route to host") ||
		strings.Contains(msg, "network is unreachable")
}

// Describe returns a short description of the source target.
func (s *SNMPSource) Describe() string {
	version := "v2c"
	if s.cfg.SecurityName != "" {
		version = "v3"
	}
	return fmt.Sprintf("snmp %s %s:%d", version, s.cfg.Host, s.cfg.Port)
}

package guardianlite

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"sitewatch/map-go/internal/device"
)

// Default channel tables: IF-MIB ifDescr for labels and ifOperStatus for states. Units that expose
// their relays on an enterprise table are configured through Config.LabelOID and Config.StateOID.
const (
	defaultLabelOID = "1.3.6.1.2.1.2.2.1.2"
	defaultStateOID = "1.3.6.1.2.1.2.2.1.8"
)

// Config describes how channel tables are read.
type Config struct {
	Community      string
	Version        string // "2c" (default) | "1"
	Port           uint16
	Timeout        time.Duration
	Retries        int
	MaxRepetitions uint32
	LabelOID       string
	StateOID       string
}

// Client reads guardianlite channel tables over SNMPv2c.
type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.Community) == "" {
		cfg.Community = "public"
	}
	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = "2c"
	}
	if cfg.Port == 0 {
		cfg.Port = 161
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 900 * time.Millisecond
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.MaxRepetitions == 0 {
		cfg.MaxRepetitions = 10
	}
	if strings.TrimSpace(cfg.LabelOID) == "" {
		cfg.LabelOID = defaultLabelOID
	}
	if strings.TrimSpace(cfg.StateOID) == "" {
		cfg.StateOID = defaultStateOID
	}
	return &Client{cfg: cfg}
}

func (c *Client) connect(ctx context.Context, address string) (*gosnmp.GoSNMP, error) {
	var version gosnmp.SnmpVersion
	switch strings.ToLower(strings.TrimSpace(c.cfg.Version)) {
	case "2c", "v2c", "":
		version = gosnmp.Version2c
	case "1", "v1":
		version = gosnmp.Version1
	default:
		return nil, fmt.Errorf("unsupported snmp version %q", c.cfg.Version)
	}

	s := &gosnmp.GoSNMP{
		Context:        ctx,
		Target:         address,
		Port:           c.cfg.Port,
		Community:      c.cfg.Community,
		Version:        version,
		Timeout:        c.cfg.Timeout,
		Retries:        c.cfg.Retries,
		MaxRepetitions: c.cfg.MaxRepetitions,
	}
	if err := s.Connect(); err != nil {
		return nil, err
	}
	return s, nil
}

// Channels walks the label and state tables of the unit at address.
func (c *Client) Channels(ctx context.Context, address string) ([]device.Channel, error) {
	if c == nil {
		return nil, errors.New("snmp client is nil")
	}

	s, err := c.connect(ctx, address)
	if err != nil {
		return nil, err
	}
	defer s.Conn.Close()

	labels, err := s.BulkWalkAll(c.cfg.LabelOID)
	if err != nil {
		return nil, fmt.Errorf("walk labels: %w", err)
	}
	states, err := s.BulkWalkAll(c.cfg.StateOID)
	if err != nil {
		return nil, fmt.Errorf("walk states: %w", err)
	}
	return mergeChannels(labels, states), nil
}

// mergeChannels joins the two tables on their row index. Rows with a state but no label are named
// after their index.
func mergeChannels(labels, states []gosnmp.SnmpPDU) []device.Channel {
	byIdx := make(map[int]string, len(labels))
	for _, p := range labels {
		idx, ok := lastOIDIndexInt(p.Name)
		if !ok {
			continue
		}
		if s, ok := pduString(p); ok && s != nil {
			byIdx[idx] = *s
		}
	}

	type row struct {
		idx int
		ch  device.Channel
	}
	rows := make([]row, 0, len(states))
	for _, p := range states {
		idx, ok := lastOIDIndexInt(p.Name)
		if !ok {
			continue
		}
		n, ok := pduInt32(p)
		if !ok || n == nil {
			continue
		}
		label := byIdx[idx]
		if label == "" {
			label = "ch" + strconv.Itoa(idx)
		}
		rows = append(rows, row{idx: idx, ch: device.Channel{Label: label, Value: stateValue(*n)}})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].idx < rows[j].idx })

	out := make([]device.Channel, len(rows))
	for i, r := range rows {
		out[i] = r.ch
	}
	return out
}

func stateValue(n int32) string {
	switch n {
	case 1:
		return "on"
	case 2:
		return "off"
	default:
		return "unknown"
	}
}

func pduString(pdu gosnmp.SnmpPDU) (*string, bool) {
	switch v := pdu.Value.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, true
		}
		return &s, true
	case []byte:
		s := strings.TrimSpace(string(v))
		if s == "" {
			return nil, true
		}
		return &s, true
	default:
		return nil, false
	}
}

func pduInt32(pdu gosnmp.SnmpPDU) (*int32, bool) {
	switch v := pdu.Value.(type) {
	case int:
		n := int32(v)
		return &n, true
	case int32:
		n := v
		return &n, true
	case uint:
		n := int32(v)
		return &n, true
	case uint32:
		n := int32(v)
		return &n, true
	case int64:
		n := int32(v)
		return &n, true
	case uint64:
		n := int32(v)
		return &n, true
	default:
		return nil, false
	}
}

func lastOIDIndexInt(oid string) (int, bool) {
	oid = strings.TrimSpace(oid)
	if oid == "" {
		return 0, false
	}
	parts := strings.Split(oid, ".")
	n, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Package shard loads the shard configuration document that maps logical
// shards to physical source-database endpoints and resolves their
// credentials.
package shard

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"revrepl/internal/dialect"
)

// Cassandra connection defaults.
const (
	DefaultConsistency    = "LOCAL_QUORUM"
	DefaultProtocol       = "v5"
	DefaultDataCenter     = "datacenter1"
	DefaultLocalPoolSize  = 1024
	DefaultRemotePoolSize = 256
)

// ErrInvalid is wrapped by validation failures.
var ErrInvalid = errors.New("shard: invalid configuration")

// Shard is one logical shard and the endpoint it lives on.
type Shard struct {
	LogicalShardID       string `json:"logicalShardId"`
	Host                 string `json:"host"`
	Port                 string `json:"port"`
	User                 string `json:"user"`
	Password             string `json:"password"`
	SecretManagerURI     string `json:"secretManagerUri"`
	DBName               string `json:"dbName"`
	Namespace            string `json:"namespace"`
	ConnectionProperties string `json:"connectionProperties"`

	Keyspace         string `json:"keyspace"`
	ConsistencyLevel string `json:"consistencyLevel"`
	SSLOptions       bool   `json:"sslOptions"`
	ProtocolVersion  string `json:"protocolVersion"`
	DataCenter       string `json:"dataCenter"`
	LocalPoolSize    int    `json:"localPoolSize"`
	RemotePoolSize   int    `json:"remotePoolSize"`
}

type wireShard struct {
	LogicalShardID       string          `json:"logicalShardId"`
	Host                 string          `json:"host"`
	Port                 json.RawMessage `json:"port"`
	User                 string          `json:"user"`
	Username             string          `json:"username"`
	Password             string          `json:"password"`
	SecretManagerURI     string          `json:"secretManagerUri"`
	DBName               string          `json:"dbName"`
	Namespace            string          `json:"namespace"`
	ConnectionProperties string          `json:"connectionProperties"`
	Keyspace             string          `json:"keyspace"`
	ConsistencyLevel     string          `json:"consistencyLevel"`
	SSLOptions           bool            `json:"sslOptions"`
	ProtocolVersion      string          `json:"protocolVersion"`
	DataCenter           string          `json:"dataCenter"`
	LocalPoolSize        int             `json:"localPoolSize"`
	RemotePoolSize       int             `json:"remotePoolSize"`
}

// UnmarshalJSON accepts port as a string or a number and username as an
// alias of user.
func (s *Shard) UnmarshalJSON(b []byte) error {
	var w wireShard
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	port, err := flexPort(w.Port)
	if err != nil {
		return fmt.Errorf("shard %q: %w", w.LogicalShardID, err)
	}
	user := w.User
	if user == "" {
		user = w.Username
	}
	*s = Shard{
		LogicalShardID:       w.LogicalShardID,
		Host:                 w.Host,
		Port:                 port,
		User:                 user,
		Password:             w.Password,
		SecretManagerURI:     w.SecretManagerURI,
		DBName:               w.DBName,
		Namespace:            w.Namespace,
		ConnectionProperties: w.ConnectionProperties,
		Keyspace:             w.Keyspace,
		ConsistencyLevel:     w.ConsistencyLevel,
		SSLOptions:           w.SSLOptions,
		ProtocolVersion:      w.ProtocolVersion,
		DataCenter:           w.DataCenter,
		LocalPoolSize:        w.LocalPoolSize,
		RemotePoolSize:       w.RemotePoolSize,
	}
	return nil
}

func flexPort(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("port must be a string or number")
	}
	return n.String(), nil
}

func (s *Shard) applyDefaults() {
	if s.ConsistencyLevel == "" {
		s.ConsistencyLevel = DefaultConsistency
	}
	if s.ProtocolVersion == "" {
		s.ProtocolVersion = DefaultProtocol
	}
	if s.DataCenter == "" {
		s.DataCenter = DefaultDataCenter
	}
	if s.LocalPoolSize == 0 {
		s.LocalPoolSize = DefaultLocalPoolSize
	}
	if s.RemotePoolSize == 0 {
		s.RemotePoolSize = DefaultRemotePoolSize
	}
}

// Validate checks the fields needed to open a session for dialect d.
// Host, port, user and password are required for networked dialects;
// Cassandra also needs a keyspace. SQLite only needs dbName, the file path.
func (s Shard) Validate(d dialect.Dialect) error {
	var missing []string
	if d == dialect.SQLite {
		if strings.TrimSpace(s.DBName) == "" {
			return fmt.Errorf("%w: shard %q missing dbName", ErrInvalid, s.LogicalShardID)
		}
		return nil
	}
	if strings.TrimSpace(s.Host) == "" {
		missing = append(missing, "host")
	}
	if strings.TrimSpace(s.Port) == "" {
		missing = append(missing, "port")
	}
	if strings.TrimSpace(s.User) == "" {
		missing = append(missing, "user")
	}
	if s.Password == "" {
		missing = append(missing, "password")
	}
	if d == dialect.Cassandra && strings.TrimSpace(s.Keyspace) == "" {
		missing = append(missing, "keyspace")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: shard %q missing %s", ErrInvalid, s.LogicalShardID, strings.Join(missing, ", "))
	}
	if _, err := s.PortNumber(); err != nil {
		return fmt.Errorf("%w: shard %q: %v", ErrInvalid, s.LogicalShardID, err)
	}
	return nil
}

// PortNumber parses Port.
func (s Shard) PortNumber() (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s.Port))
	if err != nil || p <= 0 || p > 65535 {
		return 0, fmt.Errorf("invalid port %q", s.Port)
	}
	return p, nil
}

// Database is the keyspace when set, else dbName.
func (s Shard) Database() string {
	if s.Keyspace != "" {
		return s.Keyspace
	}
	return s.DBName
}

// ConnectionKey identifies the physical endpoint as host:port/user/database,
// followed by /namespace when one is set since sessions bind it as their
// schema search path. Logical shards with equal keys share one session.
func (s Shard) ConnectionKey() string {
	key := fmt.Sprintf("%s:%s/%s/%s", s.Host, s.Port, s.User, s.Database())
	if ns := strings.TrimSpace(s.Namespace); ns != "" {
		key += "/" + ns
	}
	return key
}

// String omits credentials.
func (s Shard) String() string {
	return fmt.Sprintf("shard{id=%s key=%s}", s.LogicalShardID, s.ConnectionKey())
}

// Index maps logical shard IDs to shards.
func Index(shards []Shard) map[string]Shard {
	out := make(map[string]Shard, len(shards))
	for _, s := range shards {
		out[s.LogicalShardID] = s
	}
	return out
}

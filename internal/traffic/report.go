package traffic

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Report is the body the engine's observer plugin posts.
type Report struct {
	Events []Event `json:"events"`
}

type Event struct {
	Kind    string `json:"kind"`
	Service string `json:"service"`
	Client  string `json:"client,omitempty"`
	Type    string `json:"type"`
	Stats   *Stats `json:"stats,omitempty"`
}

type Stats struct {
	TotalConns   int64 `json:"totalConns"`
	CurrentConns int64 `json:"currentConns"`
	InputBytes   int64 `json:"inputBytes"`
	OutputBytes  int64 `json:"outputBytes"`
	TotalErrs    int64 `json:"totalErrs"`
}

func (e Event) isServiceStats() bool {
	return e.Kind == "service" && e.Type == "stats" && e.Stats != nil
}

var errServiceName = errors.New("unparseable service name")

// ParseServicePort extracts the transport and port from a service named
// "<prefix>-<proto>-<port>". The prefix may itself contain dashes.
func ParseServicePort(name string) (proto string, port int, err error) {
	idx := strings.LastIndexByte(name, '-')
	if idx <= 0 || idx == len(name)-1 {
		return "", 0, fmt.Errorf("%w: %q", errServiceName, name)
	}
	port, err = strconv.Atoi(name[idx+1:])
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("%w: %q", errServiceName, name)
	}
	rest := name[:idx]
	if j := strings.LastIndexByte(rest, '-'); j >= 0 {
		proto = rest[j+1:]
	}
	return proto, port, nil
}

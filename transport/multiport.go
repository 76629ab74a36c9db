package transport

import (
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

// MultiPort is a parsed "host:min-max" listen specification, adapted
// unchanged in behavior from the teacher's generic/multiport.go — the
// config layer uses it to let a single CharDevice adapter listen across a
// range of ports (one device server per guest, ports handed out in order).
type MultiPort struct {
	Host    string
	MinPort uint64
	MaxPort uint64
}

var multiPortMatcher = regexp.MustCompile(`(.*):([0-9]{1,5})-?([0-9]{1,5})?`)

// ParseMultiPort parses addr as "host:port" or "host:min-max".
func ParseMultiPort(addr string) (*MultiPort, error) {
	matches := multiPortMatcher.FindStringSubmatch(addr)
	if len(matches) < 4 {
		return nil, errors.Errorf("transport: malformed address: %v", addr)
	}

	minPort, err := strconv.Atoi(matches[2])
	if err != nil {
		return nil, errors.WithStack(err)
	}
	maxPort := minPort
	if matches[3] != "" {
		maxPort, err = strconv.Atoi(matches[3])
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}

	if minPort > maxPort || minPort > 65535 || maxPort > 65535 || minPort == 0 || maxPort == 0 {
		return nil, errors.Errorf("transport: invalid port range: minport:%v -> maxport:%v", minPort, maxPort)
	}

	return &MultiPort{Host: matches[1], MinPort: uint64(minPort), MaxPort: uint64(maxPort)}, nil
}

package client

import (
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

// Params are the query parameters appended to every ingest request,
// e.g. ?hostname=node-001&now=1712000000. The now parameter is set by the
// client on each request.
type Params struct {
	// Hostname is required.
	Hostname string
	// MAC address, optional, e.g. C0:FF:EE:C0:FF:EE.
	MAC string
	// IP address, optional.
	IP string
	// Tags is an optional comma separated list, e.g. prod,eu-west.
	Tags string
}

func (p Params) validate() error {
	if p.Hostname == "" {
		return errors.New("hostname is required in Params")
	}
	return nil
}

// values encodes the parameters with the given now timestamp in epoch
// seconds. Empty optional fields are omitted.
func (p Params) values(now int64) url.Values {
	v := url.Values{}
	v.Set("hostname", p.Hostname)
	if p.MAC != "" {
		v.Set("mac", p.MAC)
	}
	if p.IP != "" {
		v.Set("ip", p.IP)
	}
	if p.Tags != "" {
		v.Set("tags", p.Tags)
	}
	v.Set("now", strconv.FormatInt(now, 10))
	return v
}

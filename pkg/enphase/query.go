package enphase

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/raterudder/enlighten/pkg/types"
)

// Commands supported by the API. Each maps to a path segment under
// /systems/{id}.
const (
	CommandEnergyLifetime    = "energy_lifetime"
	CommandEnvoys            = "envoys"
	CommandIndex             = "index"
	CommandInventory         = "inventory"
	CommandMonthlyProduction = "monthly_production"
	CommandRGMStats          = "rgm_stats"
	CommandStats             = "stats"
	CommandSummary           = "summary"
)

// Commands lists every supported command.
var Commands = []string{
	CommandEnergyLifetime,
	CommandEnvoys,
	CommandIndex,
	CommandInventory,
	CommandMonthlyProduction,
	CommandRGMStats,
	CommandStats,
	CommandSummary,
}

// indexFilters are the system attributes the index command can filter on.
// The api only accepts the array form when more than one is given.
var indexFilters = []string{
	"system_id",
	"system_name",
	"status",
	"reference",
	"installer",
	"connection_type",
}

// Params are the query parameters of a request. Time values are time.Time
// and are encoded according to the client's TimeFormat.
type Params map[string]any

// Clone returns a shallow copy of the params.
func (p Params) Clone() Params {
	c := make(Params, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// Query is a single logical request to the API.
type Query struct {
	SystemID string
	Command  string
	Params   Params
}

// Build validates a command and its parameters and returns the Query for it.
// The empty command is the same as the index command.
func Build(systemID, command string, params Params) (Query, error) {
	if command == "" {
		command = CommandIndex
	}
	params = params.Clone()

	switch command {
	case CommandIndex:
		// index lists every system so it never has a system in its path
		systemID = ""
		var present []string
		for _, name := range indexFilters {
			if _, ok := params[name]; ok {
				present = append(present, name)
			}
		}
		if len(present) > 1 {
			for _, name := range present {
				params[name+"[]"] = params[name]
				delete(params, name)
			}
		}
	case CommandMonthlyProduction:
		if _, ok := params["start_date"]; !ok {
			return Query{}, &MissingParameterError{Command: command, Parameter: "start_date"}
		}
	case CommandEnergyLifetime, CommandEnvoys, CommandInventory, CommandRGMStats, CommandStats, CommandSummary:
	default:
		return Query{}, &UnknownCommandError{Command: command}
	}

	return Query{
		SystemID: systemID,
		Command:  command,
		Params:   params,
	}, nil
}

// segments returns the path below /systems. Empty segments are omitted.
func (q Query) segments() []string {
	segs := []string{"systems"}
	if q.SystemID != "" {
		segs = append(segs, q.SystemID)
	}
	if q.Command != "" && q.Command != CommandIndex {
		segs = append(segs, q.Command)
	}
	return segs
}

// URL returns the request URL for the query. The parameters are validated
// against now before they are encoded.
func (q Query) URL(baseURL string, cred types.Credential, tf TimeAdapter, now time.Time) (*url.URL, error) {
	values, err := tf.Sanitize(q.Params, now)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	u.Path, err = url.JoinPath("/"+strings.TrimPrefix(u.Path, "/"), q.segments()...)
	if err != nil {
		return nil, err
	}

	values.Set("key", cred.APIKey)
	values.Set("user_id", cred.UserID)
	if tf.Format != VendorNative {
		values.Set("datetime_format", tf.Format.String())
	}
	u.RawQuery = values.Encode()
	return u, nil
}

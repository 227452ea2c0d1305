package enphase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/enlighten/pkg/common"
	"github.com/raterudder/enlighten/pkg/log"
	"github.com/raterudder/enlighten/pkg/types"
)

// DefaultBaseURL is the v2 Enlighten API.
const DefaultBaseURL = "https://api.enphaseenergy.com/api/v2"

// Executor runs a query and returns the raw response body.
type Executor interface {
	Execute(ctx context.Context, q Query) ([]byte, error)
}

// Source runs a query and returns its tabular projection.
type Source interface {
	Table(ctx context.Context, q Query) (*types.Table, error)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Credential types.Credential
	TimeFormat TimeFormat
	// Location is used for calendar dates. It defaults to time.Local.
	Location *time.Location
	// MaxWait is the longest the client will sleep for a rate limit window.
	MaxWait time.Duration
	// MinInterval paces requests so at most one is sent per interval.
	MinInterval time.Duration
	HTTPClient  Doer
}

// Validate checks that the config can be used to make requests.
func (c Config) Validate() error {
	if c.Credential.APIKey == "" {
		return errors.New("api key is required")
	}
	if c.Credential.UserID == "" {
		return errors.New("user id is required")
	}
	if c.MaxWait < 0 {
		return errors.New("max wait cannot be negative")
	}
	return nil
}

// Client talks to the Enlighten API.
type Client struct {
	baseURL string
	cred    types.Credential
	policy  *Policy

	mu sync.Mutex
	tf TimeAdapter

	now func() time.Time
}

// NewClient returns a Client for cfg.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{}
	c.init(cfg)
	return c, nil
}

func (c *Client) init(cfg Config) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = common.HTTPClient(time.Minute)
	}
	c.baseURL = cfg.BaseURL
	c.cred = cfg.Credential
	c.tf = TimeAdapter{Format: cfg.TimeFormat, Location: cfg.Location}
	c.policy = NewPolicy(cfg.HTTPClient, cfg.MaxWait)
	c.policy.SetMinInterval(cfg.MinInterval)
	c.now = time.Now
}

// Configured returns a Client configured from flags. The api key and user id
// default to the ENPHASE_API_KEY and ENPHASE_USER_ID environment variables.
func Configured(defaultKey, defaultUserID string) *Client {
	baseURL := lflag.String("enphase-api-url", DefaultBaseURL, "Base URL of the Enlighten API")
	apiKey := lflag.String("enphase-api-key", defaultKey, "Enlighten API key (defaults to $ENPHASE_API_KEY)")
	userID := lflag.String("enphase-user-id", defaultUserID, "Enlighten user id (defaults to $ENPHASE_USER_ID)")
	timeFormat := lflag.String("enphase-time-format", "enphase", "Time format for requests and responses (enphase, iso8601, epoch)")
	timezone := lflag.String("enphase-timezone", "", "IANA timezone used for calendar dates (defaults to local)")
	maxWait := lflag.Duration("enphase-max-wait", DefaultMaxWait, "Longest to sleep when rate limited before failing")
	minInterval := lflag.Duration("enphase-min-interval", 0, "Minimum time between requests (6s matches the free plan)")
	timeout := lflag.Duration("enphase-timeout", time.Minute, "Timeout for a single HTTP request")

	c := &Client{}

	lflag.Do(func() {
		tf, err := ParseTimeFormat(*timeFormat)
		if err != nil {
			panic(err.Error())
		}
		loc := time.Local
		if *timezone != "" {
			loc, err = time.LoadLocation(*timezone)
			if err != nil {
				panic(fmt.Sprintf("invalid enphase-timezone: %v", err))
			}
		}
		cfg := Config{
			BaseURL:     *baseURL,
			Credential:  types.Credential{UserID: *userID, APIKey: *apiKey},
			TimeFormat:  tf,
			Location:    loc,
			MaxWait:     *maxWait,
			MinInterval: *minInterval,
			HTTPClient:  common.HTTPClient(*timeout),
		}
		// credentials are checked on each request so that commands which never
		// call the api can run without them
		if cfg.MaxWait < 0 {
			panic("enphase-max-wait cannot be negative")
		}
		c.init(cfg)
	})

	return c
}

// SetMaxWait changes the longest the client sleeps for a rate limit window.
func (c *Client) SetMaxWait(d time.Duration) {
	c.policy.SetMaxWait(d)
}

// SetTimeFormat changes the time format used for subsequent requests.
func (c *Client) SetTimeFormat(f TimeFormat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tf.Format = f
}

// TimeAdapter returns the adapter currently used to encode and decode times.
func (c *Client) TimeAdapter() TimeAdapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tf
}

// Location returns the location calendar dates are interpreted in.
func (c *Client) Location() *time.Location {
	return c.TimeAdapter().Location
}

// Execute runs q and returns the raw response body.
func (c *Client) Execute(ctx context.Context, q Query) ([]byte, error) {
	tf := c.TimeAdapter()
	ctx = log.WithAttrs(ctx, slog.String("callID", uuid.NewString()))

	if c.cred.APIKey == "" {
		return nil, &MissingParameterError{Command: q.Command, Parameter: "key"}
	}
	if c.cred.UserID == "" {
		return nil, &MissingParameterError{Command: q.Command, Parameter: "user_id"}
	}

	u, err := q.URL(c.baseURL, c.cred, tf, c.now())
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "invalid enlighten query", slog.String("command", q.Command), slog.Any("error", err))
		return nil, err
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"enlighten request",
		slog.String("command", q.Command),
		slog.String("systemID", q.SystemID),
		slog.String("url", redactURL(u)),
	)
	return c.policy.Do(ctx, q.Command, u, tf)
}

// Fetch runs q and decodes the response as kind.
func (c *Client) Fetch(ctx context.Context, q Query, kind OutputKind) (Response, error) {
	body, err := c.Execute(ctx, q)
	if err != nil {
		return Response{}, err
	}
	return Decode(q.Command, body, c.TimeAdapter(), kind)
}

// Table runs q and returns its tabular projection.
func (c *Client) Table(ctx context.Context, q Query) (*types.Table, error) {
	return NewDecodingSource(c, c.TimeAdapter).Table(ctx, q)
}

func (c *Client) command(ctx context.Context, systemID, command string, params Params) (*types.Table, error) {
	q, err := Build(systemID, command, params)
	if err != nil {
		return nil, err
	}
	return c.Table(ctx, q)
}

// EnergyLifetime returns the daily production of the system since it was
// installed.
func (c *Client) EnergyLifetime(ctx context.Context, systemID string, params Params) (*types.Table, error) {
	return c.command(ctx, systemID, CommandEnergyLifetime, params)
}

// Envoys returns the envoys of the system.
func (c *Client) Envoys(ctx context.Context, systemID string, params Params) (*types.Table, error) {
	return c.command(ctx, systemID, CommandEnvoys, params)
}

// Index returns the systems the credential can access. More than one of the
// system attribute filters are sent in their array form.
func (c *Client) Index(ctx context.Context, params Params) (*types.Table, error) {
	return c.command(ctx, "", CommandIndex, params)
}

// Inventory returns the inverters, envoys and meters of the system.
func (c *Client) Inventory(ctx context.Context, systemID string, params Params) (*types.Table, error) {
	return c.command(ctx, systemID, CommandInventory, params)
}

// MonthlyProduction returns the production for the month starting at the
// required start_date parameter.
func (c *Client) MonthlyProduction(ctx context.Context, systemID string, params Params) (*types.Table, error) {
	return c.command(ctx, systemID, CommandMonthlyProduction, params)
}

// RGMStats returns the revenue grade meter intervals.
func (c *Client) RGMStats(ctx context.Context, systemID string, params Params) (*types.Table, error) {
	return c.command(ctx, systemID, CommandRGMStats, params)
}

// Stats returns the 5 minute intervals for at most a day.
func (c *Client) Stats(ctx context.Context, systemID string, params Params) (*types.Table, error) {
	return c.command(ctx, systemID, CommandStats, params)
}

// Summary returns the current state of the system.
func (c *Client) Summary(ctx context.Context, systemID string, params Params) (*types.Table, error) {
	return c.command(ctx, systemID, CommandSummary, params)
}

// DecodingSource turns an Executor into a Source by decoding each response
// into a table.
type DecodingSource struct {
	exec Executor
	tf   func() TimeAdapter
}

// NewDecodingSource returns a Source that decodes the responses of exec with
// the adapter returned by tf.
func NewDecodingSource(exec Executor, tf func() TimeAdapter) *DecodingSource {
	return &DecodingSource{exec: exec, tf: tf}
}

// Table implements Source.
func (d *DecodingSource) Table(ctx context.Context, q Query) (*types.Table, error) {
	body, err := d.exec.Execute(ctx, q)
	if err != nil {
		return nil, err
	}
	return DecodeTable(q.Command, body, d.tf())
}

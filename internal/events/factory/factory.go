package factory

import (
	"errors"
	"net/url"
	"strings"

	"github.com/noctua-obs/noctua/internal/events"
	"github.com/noctua-obs/noctua/internal/events/clickhouse"
	natsq "github.com/noctua-obs/noctua/internal/events/nats"
)

// NewSinkFromDSN creates an event sink based on DSN format.
// Supported formats:
//   - "clickhouse://host:port?table=noctua_events"
//   - "nats://host:4222?subject=noctua.events"
func NewSinkFromDSN(dsn string) (events.Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty DSN")
	}

	lower := strings.ToLower(dsn)

	if strings.HasPrefix(lower, "clickhouse://") {
		return parseClickHouseDSN(dsn)
	}

	if strings.HasPrefix(lower, "nats://") {
		return parseNATSDSN(dsn)
	}

	return nil, errors.New("unsupported DSN format: " + dsn)
}

// NewMultiFromDSNs opens one sink per DSN and bundles them into a fan-out.
// On failure every sink opened so far is closed before the error returns.
func NewMultiFromDSNs(dsns []string) (events.Multi, error) {
	multi := make(events.Multi, 0, len(dsns))
	for _, dsn := range dsns {
		sink, err := NewSinkFromDSN(dsn)
		if err != nil {
			_ = multi.Close()
			return nil, err
		}
		multi = append(multi, sink)
	}
	return multi, nil
}

func parseClickHouseDSN(dsn string) (events.Sink, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}

	host := u.Host
	if host == "" {
		host = "localhost:9000" // default ClickHouse native port
	}

	table := u.Query().Get("table")
	if table == "" {
		table = "noctua_events"
	}

	return clickhouse.New(host, table)
}

func parseNATSDSN(dsn string) (events.Sink, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}

	subject := u.Query().Get("subject")

	// the NATS client takes the bare URL without query parameters
	target := u.Scheme + "://" + u.Host

	return natsq.New(target, natsq.Config{SubjectPrefix: subject})
}

package repository

import (
	"net"
	"net/url"
	"strconv"

	_ "github.com/lib/pq"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/pressly/goose/v3"
)

var postgresDriver = driver{
	name:      "postgres",
	sqlDriver: "postgres",
	dialect:   goose.DialectPostgres,
	dsn:       postgresDSN,
	rebind:    true,
}

// postgresDSN builds a URL connection string so credentials with spaces or
// quotes need no escaping rules of their own.
func postgresDSN(cfg domain.RepositoryConfig) (string, error) {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "kestrel"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/" + dbname,
		RawQuery: url.Values{"sslmode": {sslmode}, "application_name": {"kestrel"}}.Encode(),
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	return u.String(), nil
}

// Package geo buckets relay addresses into H3 cells using a geo-IP
// database.
package geo

import (
	"net"
	"strconv"
	"sync"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog"
	"github.com/uber/h3-go/v4"
	"golang.org/x/xerrors"
)

// UnknownCell is assigned to addresses that cannot be located.
const UnknownCell = "?"

// CityReader is the part of a geo-IP database used by the Locator.
type CityReader interface {
	City(ip net.IP) (*geoip2.City, error)
	Close() error
}

// Locator maps relay addresses to H3 cells. A Locator without a database
// answers UnknownCell for every address.
type Locator struct {
	path       string
	resolution int
	log        zerolog.Logger

	mu     sync.RWMutex
	reader CityReader
}

// NewLocator opens the database at path. An empty path yields a Locator
// without a database.
func NewLocator(path string, resolution int, log zerolog.Logger) (*Locator, error) {
	l := &Locator{path: path, resolution: resolution, log: log}
	if path == "" {
		log.Warn().Msg("no geoip database configured, every relay is in the unknown cell")
		return l, nil
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// NewLocatorWithReader returns a Locator backed by r.
func NewLocatorWithReader(r CityReader, resolution int, log zerolog.Logger) *Locator {
	return &Locator{reader: r, resolution: resolution, log: log}
}

// Reload reopens the database file and swaps it in.
func (l *Locator) Reload() error {
	r, err := geoip2.Open(l.path)
	if err != nil {
		return xerrors.Errorf("open geoip database %s: %w", l.path, err)
	}

	l.mu.Lock()
	old := l.reader
	l.reader = r
	l.mu.Unlock()

	if old != nil {
		old.Close()
	}
	l.log.Info().Str("path", l.path).Msg("loaded geoip database")
	return nil
}

// Cell returns the H3 cell of an OR address ("ip:port" or "[ipv6]:port").
func (l *Locator) Cell(addr string) string {
	ip := parseIP(addr)
	if ip == nil {
		return UnknownCell
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.reader == nil {
		return UnknownCell
	}

	city, err := l.reader.City(ip)
	if err != nil || city == nil {
		return UnknownCell
	}
	lat, lng := city.Location.Latitude, city.Location.Longitude
	if lat == 0 && lng == 0 {
		return UnknownCell
	}
	return h3.LatLngToCell(h3.NewLatLng(lat, lng), l.resolution).String()
}

// Close releases the database.
func (l *Locator) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reader == nil {
		return nil
	}
	err := l.reader.Close()
	l.reader = nil
	return err
}

func parseIP(addr string) net.IP {
	host := addr
	if h, port, err := net.SplitHostPort(addr); err == nil {
		if _, err := strconv.Atoi(port); err == nil {
			host = h
		}
	}
	return net.ParseIP(host)
}

package geo

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/uber/h3-go/v4"
	"golang.org/x/xerrors"
)

type fakeReader struct {
	cities map[string][2]float64
	closed bool
}

func (f *fakeReader) City(ip net.IP) (*geoip2.City, error) {
	ll, ok := f.cities[ip.String()]
	if !ok {
		return nil, xerrors.New("not found")
	}
	city := &geoip2.City{}
	city.Location.Latitude = ll[0]
	city.Location.Longitude = ll[1]
	return city, nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func TestLocator_Cell(t *testing.T) {
	berlin := [2]float64{52.52, 13.405}
	reader := &fakeReader{cities: map[string][2]float64{
		"10.0.0.1":    berlin,
		"10.0.0.2":    {52.521, 13.406},
		"2001:db8::1": {40.7128, -74.006},
	}}
	l := NewLocatorWithReader(reader, 4, zerolog.Nop())

	want := h3.LatLngToCell(h3.NewLatLng(berlin[0], berlin[1]), 4).String()
	require.Equal(t, want, l.Cell("10.0.0.1:9001"))
	// neighbours fall into the same resolution 4 cell
	require.Equal(t, want, l.Cell("10.0.0.2:443"))
	require.NotEqual(t, want, l.Cell("[2001:db8::1]:9001"))
	require.NotEqual(t, UnknownCell, l.Cell("[2001:db8::1]:9001"))

	require.Equal(t, UnknownCell, l.Cell("10.9.9.9:9001"))
	require.Equal(t, UnknownCell, l.Cell("not-an-ip:9001"))
	require.Equal(t, UnknownCell, l.Cell(""))

	require.NoError(t, l.Close())
	require.True(t, reader.closed)
	require.Equal(t, UnknownCell, l.Cell("10.0.0.1:9001"))
}

func TestLocator_NoDatabase(t *testing.T) {
	l, err := NewLocator("", 4, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, UnknownCell, l.Cell("10.0.0.1:9001"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.NoError(t, l.Watch(ctx))
}

func TestLocator_MissingDatabase(t *testing.T) {
	_, err := NewLocator("/does/not/exist.mmdb", 4, zerolog.Nop())
	require.Error(t, err)
}

func TestParseIP(t *testing.T) {
	require.Equal(t, "10.0.0.1", parseIP("10.0.0.1:9001").String())
	require.Equal(t, "10.0.0.1", parseIP("10.0.0.1").String())
	require.Equal(t, "2001:db8::1", parseIP("[2001:db8::1]:9001").String())
	require.Nil(t, parseIP("[2001:db8::1]"))
}

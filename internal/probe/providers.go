package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/pion/stun"
	"go.uber.org/multierr"

	"github.com/AbdulRehman2040/speed-test-api/internal/safety"
)

const maxProviderResponse = 64 * 1024

// ErrMalformedResponse indicates a provider answered with unusable data.
var ErrMalformedResponse = errors.New("malformed provider response")

// HTTPAddressProvider asks a "what is my IP" service for the public address.
// With an empty Field the body is the address in plain text; otherwise the
// body is JSON and Field is a dotted path to the address.
type HTTPAddressProvider struct {
	ProviderName string
	URL          string
	Field        string
	Client       *http.Client
}

// Name implements AddressProvider.
func (p *HTTPAddressProvider) Name() string { return p.ProviderName }

// PublicAddress implements AddressProvider.
func (p *HTTPAddressProvider) PublicAddress(ctx context.Context) (net.IP, error) {
	body, err := fetch(ctx, p.Client, p.URL)
	if err != nil {
		return nil, err
	}

	raw := strings.TrimSpace(string(body))
	if p.Field != "" {
		doc, err := decodeObject(body)
		if err != nil {
			return nil, err
		}
		v, ok := lookupPath(doc, p.Field)
		if !ok {
			return nil, fmt.Errorf("%w: field %q missing", ErrMalformedResponse, p.Field)
		}
		raw = v
	}

	ip := safety.ParseAddr(raw)
	if ip == nil {
		return nil, fmt.Errorf("%w: %q is not an IP address", ErrMalformedResponse, truncate(raw, 64))
	}
	return ip, nil
}

// STUNAddressProvider learns the public address from a STUN binding request.
type STUNAddressProvider struct {
	ProviderName string
	Server       string
	Timeout      time.Duration
}

// Name implements AddressProvider.
func (p *STUNAddressProvider) Name() string { return p.ProviderName }

// PublicAddress implements AddressProvider.
func (p *STUNAddressProvider) PublicAddress(ctx context.Context) (net.IP, error) {
	addr, err := net.ResolveUDPAddr("udp", p.Server)
	if err != nil {
		return nil, fmt.Errorf("resolve stun server: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial stun server: %w", err)
	}
	defer conn.Close()

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, fmt.Errorf("build stun request: %w", err)
	}
	if _, err := msg.WriteTo(conn); err != nil {
		return nil, fmt.Errorf("send stun request: %w", err)
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read stun response: %w", err)
	}

	res := new(stun.Message)
	res.Raw = buf[:n]
	if err := res.Decode(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(res); err == nil {
		return xorAddr.IP, nil
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(res); err != nil {
		return nil, fmt.Errorf("%w: no mapped address", ErrMalformedResponse)
	}
	return mapped.IP, nil
}

// GeoFields names the dotted JSON paths holding each GeoInfo field.
type GeoFields struct {
	Country string `yaml:"country"`
	City    string `yaml:"city"`
	Region  string `yaml:"region"`
	ISP     string `yaml:"isp"`
}

// JSONGeoProvider queries an HTTP geolocation API. URLTemplate contains the
// literal "{ip}" where the address goes. When SuccessField is set the
// response must carry SuccessValue there.
type JSONGeoProvider struct {
	ProviderName string
	URLTemplate  string
	Fields       GeoFields
	SuccessField string
	SuccessValue string
	Client       *http.Client
}

// Name implements GeoProvider.
func (p *JSONGeoProvider) Name() string { return p.ProviderName }

// Lookup implements GeoProvider.
func (p *JSONGeoProvider) Lookup(ctx context.Context, ip net.IP) (GeoInfo, error) {
	target := strings.ReplaceAll(p.URLTemplate, "{ip}", url.PathEscape(ip.String()))
	body, err := fetch(ctx, p.Client, target)
	if err != nil {
		return GeoInfo{}, err
	}
	doc, err := decodeObject(body)
	if err != nil {
		return GeoInfo{}, err
	}

	if p.SuccessField != "" {
		v, _ := lookupPath(doc, p.SuccessField)
		if v != p.SuccessValue {
			return GeoInfo{}, fmt.Errorf("provider reported failure: %s=%q", p.SuccessField, v)
		}
	}

	get := func(path string) string {
		if path == "" {
			return ""
		}
		v, _ := lookupPath(doc, path)
		return v
	}
	geo := GeoInfo{
		Country: get(p.Fields.Country),
		City:    get(p.Fields.City),
		Region:  get(p.Fields.Region),
		ISP:     get(p.Fields.ISP),
	}
	if geo.IsUnknown() {
		return GeoInfo{}, fmt.Errorf("%w: no location fields present", ErrMalformedResponse)
	}
	return geo, nil
}

// MMDBGeoProvider resolves locations from local MaxMind databases: a
// GeoIP2/GeoLite2 City database and an optional ISP or ASN database. The
// readers stay open until Close.
type MMDBGeoProvider struct {
	name    string
	city    *geoip2.Reader
	isp     *geoip2.Reader
	openErr error
}

// OpenMMDBGeoProvider opens the databases once. When the city database
// cannot be opened every Lookup reports that error so failover moves on. An
// ISP database that cannot be opened only leaves ISP empty.
func OpenMMDBGeoProvider(name, cityDB, ispDB string) *MMDBGeoProvider {
	p := &MMDBGeoProvider{name: name}
	city, err := geoip2.Open(cityDB)
	if err != nil {
		p.openErr = fmt.Errorf("open city database: %w", err)
		return p
	}
	p.city = city
	if ispDB != "" {
		if isp, err := geoip2.Open(ispDB); err == nil {
			p.isp = isp
		}
	}
	return p
}

// Name implements GeoProvider.
func (p *MMDBGeoProvider) Name() string { return p.name }

// Lookup implements GeoProvider.
func (p *MMDBGeoProvider) Lookup(_ context.Context, ip net.IP) (GeoInfo, error) {
	if p.openErr != nil {
		return GeoInfo{}, p.openErr
	}
	if p.city == nil {
		return GeoInfo{}, errors.New("city database closed")
	}

	rec, err := p.city.City(ip)
	if err != nil {
		return GeoInfo{}, fmt.Errorf("city lookup: %w", err)
	}
	geo := GeoInfo{
		Country: rec.Country.Names["en"],
		City:    rec.City.Names["en"],
	}
	if len(rec.Subdivisions) > 0 {
		geo.Region = rec.Subdivisions[0].Names["en"]
	}
	if p.isp != nil {
		geo.ISP = lookupISP(p.isp, ip)
	}
	if geo.IsUnknown() {
		return GeoInfo{}, fmt.Errorf("no database entry for %s", ip)
	}
	return geo, nil
}

// Close releases the database readers.
func (p *MMDBGeoProvider) Close() error {
	var errs error
	if p.city != nil {
		errs = multierr.Append(errs, p.city.Close())
		p.city = nil
	}
	if p.isp != nil {
		errs = multierr.Append(errs, p.isp.Close())
		p.isp = nil
	}
	return errs
}

func lookupISP(db *geoip2.Reader, ip net.IP) string {
	if rec, err := db.ISP(ip); err == nil && rec.ISP != "" {
		return rec.ISP
	}
	if rec, err := db.ASN(ip); err == nil {
		return rec.AutonomousSystemOrganization
	}
	return ""
}

func fetch(ctx context.Context, client *http.Client, target string) ([]byte, error) {
	if client == nil {
		client = safety.NewHTTPClient(10 * time.Second)
	}
	req, err := newRequest(ctx, http.MethodGet, target)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, text/plain")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return safety.ReadAllWithLimit(resp.Body, maxProviderResponse)
}

func decodeObject(body []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedResponse)
	}
	return doc, nil
}

// lookupPath resolves a dotted path such as "connection.isp" to a scalar.
func lookupPath(doc map[string]any, path string) (string, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		if cur, ok = m[part]; !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

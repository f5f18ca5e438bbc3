package probe

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ipAPIResponse is the ip-api.com JSON schema.
type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	ISP         string  `json:"isp"`
	Org         string  `json:"org"`
}

// GeolocateIP locates a public address through the GeoLite2 database when
// one is configured, otherwise through the HTTP geo API. Non-public
// addresses are classified without a lookup.
func (p *Prober) GeolocateIP(ctx context.Context, ip string, timeout time.Duration) (res IPGeoResult) {
	ctx, cancel, _ := within(ctx, timeout, p.opts.Timeouts.Geo)
	defer cancel()

	start := time.Now()
	res = IPGeoResult{IP: ip, Classification: ClassifyIP(ip)}
	defer func() { res.Duration = time.Since(start) }()

	switch {
	case !res.Classification.Valid:
		res.Error = "not an IP address: " + ip
		return res
	case !res.Classification.Public:
		res.Success = true
		res.Source = "classification"
		return res
	}

	var err error
	if p.opts.GeoIPDatabase != "" {
		res.Source = "geolite2"
		err = p.geolite2(net.ParseIP(res.Classification.IP), &res)
	} else {
		res.Source = "api"
		err = p.geoAPI(ctx, res.Classification.IP, &res)
	}
	if err != nil {
		p.log.Debug("geolocation failed", zap.String("ip", ip), zap.String("source", res.Source), zap.Error(err))
		res.Error = err.Error()
		return res
	}
	res.Success = true
	return res
}

func (p *Prober) geoReader() (*geoip2.Reader, error) {
	p.geoOnce.Do(func() {
		db, err := geoip2.Open(p.opts.GeoIPDatabase)
		if err != nil {
			p.geoErr = errors.Wrap(err, "failed to open GeoLite2 database")
			return
		}
		p.geoDB = db
	})
	return p.geoDB, p.geoErr
}

func (p *Prober) geolite2(ip net.IP, res *IPGeoResult) error {
	db, err := p.geoReader()
	if err != nil {
		return err
	}

	city, err := db.City(ip)
	if err != nil {
		return errors.Wrap(err, "failed to resolve IP")
	}

	res.Country = city.Country.Names["en"]
	res.CountryCode = city.Country.IsoCode
	if len(city.Subdivisions) > 0 {
		res.Region = city.Subdivisions[0].Names["en"]
	}
	res.City = city.City.Names["en"]
	res.Latitude = city.Location.Latitude
	res.Longitude = city.Location.Longitude
	return nil
}

func (p *Prober) geoAPI(ctx context.Context, ip string, res *IPGeoResult) error {
	var payload ipAPIResponse
	url := strings.TrimSuffix(p.opts.GeoAPIURL, "/") + "/" + ip

	resp, err := p.opts.HTTP.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetResult(&payload).
		Get(url)
	if err != nil {
		return errors.Wrap(err, "failed to query geo API")
	}
	if resp.IsError() {
		return errors.Errorf("geo API returned %s", resp.Status())
	}
	if payload.Status != "" && payload.Status != "success" {
		return errors.Errorf("geo API lookup failed: %s", payload.Message)
	}

	res.Country = payload.Country
	res.CountryCode = payload.CountryCode
	res.Region = payload.RegionName
	res.City = payload.City
	res.Latitude = payload.Lat
	res.Longitude = payload.Lon
	res.ISP = payload.ISP
	res.Org = payload.Org
	return nil
}

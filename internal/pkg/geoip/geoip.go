package geoip

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// Location is what the databases know about one address.
type Location struct {
	CountryCode string
	City        string
	Latitude    float64
	Longitude   float64
	ASNumber    uint32
	ASOrg       string
}

// DB wraps an optional city (or country) database and an optional ASN
// database. A DB with neither open returns empty locations.
type DB struct {
	geo    *geoip2.Reader
	isCity bool
	asn    *geoip2.Reader
	logger *slog.Logger
}

// Open opens the configured databases. Missing files disable the matching
// lookups rather than failing, since GeoIP is optional.
func Open(geoPath, asnPath string, logger *slog.Logger) (*DB, error) {
	db := &DB{logger: logger}

	geo, err := openReader(geoPath, logger)
	if err != nil {
		return nil, err
	}
	if geo != nil {
		db.geo = geo
		db.isCity = strings.Contains(geo.Metadata().DatabaseType, "City")
		logger.Info("GeoIP database initialized successfully",
			slog.String("path", geoPath),
			slog.String("db_type", geo.Metadata().DatabaseType))
	}

	asn, err := openReader(asnPath, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	if asn != nil {
		db.asn = asn
		logger.Info("ASN database initialized successfully", slog.String("path", asnPath))
	}
	return db, nil
}

func openReader(path string, logger *slog.Logger) (*geoip2.Reader, error) {
	if path == "" {
		logger.Debug("GeoIP database path not configured")
		return nil, nil
	}

	// Get absolute path to help with debugging
	if absPath, err := filepath.Abs(path); err == nil {
		logger.Debug("GeoIP database absolute path", slog.String("abs_path", absPath))
	}

	// Check if the file exists (GeoIP is optional)
	fileInfo, err := os.Stat(path)
	if os.IsNotExist(err) {
		logger.Info("GeoIP database not found - lookups disabled",
			slog.String("path", path),
			slog.String("hint", "Download from https://www.maxmind.com/en/geolite2/signup"))
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to check GeoIP database %s: %w", path, err)
	}

	logger.Debug("GeoIP database file details",
		slog.String("path", path),
		slog.Int64("size_bytes", fileInfo.Size()),
		slog.Time("mod_time", fileInfo.ModTime()))

	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database %s: %w", path, err)
	}
	return reader, nil
}

// Enabled reports whether any database is open.
func (d *DB) Enabled() bool {
	return d != nil && (d.geo != nil || d.asn != nil)
}

// Lookup returns everything known about addr. Addresses that are not IPs
// yield an empty location.
func (d *DB) Lookup(addr string) (Location, error) {
	var loc Location
	if !d.Enabled() {
		return loc, nil
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return loc, nil
	}

	var errs []error
	if d.geo != nil {
		if d.isCity {
			city, err := d.geo.City(ip)
			if err != nil {
				errs = append(errs, err)
			} else {
				loc.CountryCode = strings.ToLower(city.Country.IsoCode)
				loc.City = city.City.Names["en"]
				loc.Latitude = city.Location.Latitude
				loc.Longitude = city.Location.Longitude
			}
		} else {
			country, err := d.geo.Country(ip)
			if err != nil {
				errs = append(errs, err)
			} else {
				loc.CountryCode = strings.ToLower(country.Country.IsoCode)
			}
		}
	}
	if d.asn != nil {
		asn, err := d.asn.ASN(ip)
		if err != nil {
			errs = append(errs, err)
		} else {
			loc.ASNumber = uint32(asn.AutonomousSystemNumber)
			loc.ASOrg = asn.AutonomousSystemOrganization
		}
	}
	return loc, errors.Join(errs...)
}

func (d *DB) Close() error {
	if d == nil {
		return nil
	}
	var errs []error
	if d.geo != nil {
		errs = append(errs, d.geo.Close())
		d.geo = nil
	}
	if d.asn != nil {
		errs = append(errs, d.asn.Close())
		d.asn = nil
	}
	return errors.Join(errs...)
}

package tools

import (
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	layoutInput = "2006-01-02T15:04"
	LayoutDB    = "2006-01-02 15:04:05"

	// DefaultWindow is the range shown when no dates are picked.
	DefaultWindow = 8 * time.Hour
)

var privateBlocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"fc00::/7",
)

// CheckInNetwork rejects dashboard requests from outside the local network.
func CheckInNetwork(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}
		parsedIP := net.ParseIP(ip)
		if parsedIP == nil {
			http.Error(w, "Invalid IP address", http.StatusBadRequest)
			return
		}
		if !isLocalAddress(parsedIP) {
			http.Error(w, "Access denied", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLocalAddress(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	for _, cidr := range privateBlocks {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func mustParseCIDRs(blocks ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(blocks))
	for _, block := range blocks {
		_, cidr, err := net.ParseCIDR(block)
		if err != nil {
			panic(err)
		}
		nets = append(nets, cidr)
	}
	return nets
}

// ParseStartAndEndDate reads the start and end form values, given as local
// times in loc, and formats them in UTC for comparison with the DB.
// Without both values the last DefaultWindow is returned.
func ParseStartAndEndDate(r *http.Request, loc *time.Location, log logrus.FieldLogger) (string, string) {
	r.ParseForm()
	startDate := r.FormValue("start")
	endDate := r.FormValue("end")

	now := time.Now().UTC()
	if startDate == "" || endDate == "" {
		return now.Add(-DefaultWindow).Format(LayoutDB), now.Format(LayoutDB)
	}
	if loc == nil {
		loc = time.UTC
	}

	start, err := time.ParseInLocation(layoutInput, startDate, loc)
	if err != nil {
		log.WithError(err).Warn("Error parsing start date")
		start = now.Add(-DefaultWindow)
	}
	end, err := time.ParseInLocation(layoutInput, endDate, loc)
	if err != nil {
		log.WithError(err).Warn("Error parsing end date")
		end = now
	}
	return start.UTC().Format(LayoutDB), end.UTC().Format(LayoutDB)
}

// StartAndEndDateToTime parses the DB formatted dates returned by ParseStartAndEndDate.
func StartAndEndDateToTime(startDate string, endDate string) (time.Time, time.Time, error) {
	start, err := time.Parse(LayoutDB, startDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := time.Parse(LayoutDB, endDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

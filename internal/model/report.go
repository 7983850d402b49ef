package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Report is the outcome of one monitoring cycle. Tanks are kept in
// configuration order.
type Report struct {
	ID        string      `json:"id"`
	SiteID    string      `json:"site_id"`
	SiteName  string      `json:"site_name"`
	Timestamp time.Time   `json:"timestamp"`
	Tanks     []TankLevel `json:"tanks"`
	MaxTank   string      `json:"max_tank"`
	MinTank   string      `json:"min_tank"`
}

func NewReport(siteID, siteName string, timestamp time.Time, tanks []TankLevel) *Report {
	r := &Report{
		ID:        uuid.New().String(),
		SiteID:    siteID,
		SiteName:  siteName,
		Timestamp: timestamp.UTC(),
		Tanks:     tanks,
	}
	r.MaxTank, r.MinTank = extremes(tanks)
	return r
}

// extremes scans in order and keeps the first tank seen at each extreme, so
// ties resolve to the earlier tank.
func extremes(tanks []TankLevel) (maxTag, minTag string) {
	if len(tanks) == 0 {
		return "", ""
	}
	maxIdx, minIdx := 0, 0
	for i := 1; i < len(tanks); i++ {
		if tanks[i].Fullness > tanks[maxIdx].Fullness {
			maxIdx = i
		}
		if tanks[i].Fullness < tanks[minIdx].Fullness {
			minIdx = i
		}
	}
	return tanks[maxIdx].Tag, tanks[minIdx].Tag
}

func (r *Report) Level(tag string) (TankLevel, bool) {
	for _, l := range r.Tanks {
		if l.Tag == tag {
			return l, true
		}
	}
	return TankLevel{}, false
}

// Render formats the report as the plain-text summary sent to operators.
func (r *Report) Render() string {
	var b strings.Builder

	b.WriteString("Fullness for Each Storage Tank\n")
	for _, l := range r.Tanks {
		fmt.Fprintf(&b, "Storage Tank %s: %.2f%%\n", l.Tag, l.Fullness)
	}

	maxLevel, okMax := r.Level(r.MaxTank)
	minLevel, okMin := r.Level(r.MinTank)
	if okMax && okMin {
		b.WriteString("Note:\n")
		fmt.Fprintf(&b, "Highest stock level in Storage Tank %s - %.2f%%. Check for potential expiration.\n",
			maxLevel.Tag, maxLevel.Fullness)
		fmt.Fprintf(&b, "Stock replenishment needed for Storage Tank %s - %.2f%% remaining.\n",
			minLevel.Tag, minLevel.Fullness)
	}

	return b.String()
}

func (r *Report) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

func ReportFromJSON(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

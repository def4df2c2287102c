package lightmeter

import (
	"database/sql"
	"fmt"
	"math"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"github.com/ztkent/opt300x-meter/internal/tools"
)

// FULL_SUN_LUX is the lux above which a minute counts as full sunlight.
const FULL_SUN_LUX = 10000

// Serve the sqlite db for download
func (m *LightMeter) ServeResultsDB() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(m.DBPath)))
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeFile(w, r, m.DBPath)
	}
}

// Serve the homepage
func (m *LightMeter) ServeDashboard() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileContent, err := templateFiles.ReadFile("html/dashboard.html")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		w.Write(fileContent)
	}
}

// Serve the controls for the sensor, start/stop/measure/export/current-conditions
func (m *LightMeter) ServeLightControls() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tmpl, err := parseTemplateFile("html/controls.gohtml")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := tmpl.Execute(w, nil); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// Status of the sensor
func (m *LightMeter) ServeSensorStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tmpl, err := parseTemplateFile("html/status.gohtml")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		status, err := m.sensorStatus()
		if err != nil {
			// the bus failed, report the sensor as unreachable
			m.log.WithError(err).Warn("Failed to read sensor status")
			status = SensorStatus{}
		}
		if err := tmpl.Execute(w, status); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// Serve the results graph
func (m *LightMeter) ServeResultsGraph() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startDate, endDate := tools.ParseStartAndEndDate(r, m.Location, m.log)

		rows, err := m.ResultsDB.Query("SELECT lux, created_at FROM readings WHERE created_at BETWEEN ? AND ? ORDER BY created_at", startDate, endDate)
		if err != nil {
			m.log.WithError(err).Error("Failed to query readings")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer rows.Close()

		var luxValues []opts.LineData
		var timeValues []string
		maxLux := 5000
		for rows.Next() {
			var lux float64
			var createdAt time.Time
			if err := rows.Scan(&lux, &createdAt); err != nil {
				m.log.WithError(err).Error("Failed to scan reading")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if lux > float64(maxLux) {
				// Round up to the nearest 5000
				maxLux = int(math.Ceil(lux/5000) * 5000)
			}
			luxValues = append(luxValues, opts.LineData{Value: lux})
			timeValues = append(timeValues, createdAt.In(m.Location).Format(tools.LayoutDB))
		}
		if err := rows.Err(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		line := charts.NewLine()
		for _, band := range lightBands {
			line.AddSeries(
				band.title,
				constantSeries(band.lux, len(timeValues)),
				charts.WithLineChartOpts(opts.LineChart{
					Color: band.color,
				}),
			)
		}

		unit := m.part.Unit
		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{
				Theme: types.ThemeChalk,
			}),
			charts.WithXAxisOpts(opts.XAxis{
				Name: "Time",
			}),
			charts.WithYAxisOpts(opts.YAxis{
				Name: unit,
				Min:  "0",
				Max:  fmt.Sprintf("%d", maxLux),
			}),
			charts.WithTooltipOpts(opts.Tooltip{
				Show:      true,
				Trigger:   "axis",
				TriggerOn: "mousemove",
				Formatter: fmt.Sprintf("{a%d}: {c%d}<br> Time: {b0}", len(lightBands), len(lightBands)),
			}),
			charts.WithToolboxOpts(opts.Toolbox{
				Show: true,
				Feature: &opts.ToolBoxFeature{
					SaveAsImage: &opts.ToolBoxFeatureSaveAsImage{
						Show:  true,
						Title: "Save as Image",
						Name:  "opt300x-meter",
					},
				},
			}),
		)
		line.SetXAxis(timeValues).AddSeries(m.part.Name, luxValues)

		page := components.NewPage()
		page.AddCharts(line)

		w.Header().Set("Content-Type", "text/html")
		page.Render(w)
		// Trigger an update for the results tab
		w.Write([]byte(`<div id='resultUpdateTrigger' hx-post='/lightmeter/results' hx-include='#dateRange' hx-target='#resultsContent' hx-trigger='load'></div>`))
		w.Write([]byte(`<script>document.title = "OPT300x Meter";</script>`))
	}
}

type lightBand struct {
	lux   int
	title string
	color string
}

// reference lines drawn behind the readings, dimmest first
var lightBands = []lightBand{
	{500, "Shade", "DarkGrey"},
	{1000, "Partial Shade", "WhiteSmoke"},
	{FULL_SUN_LUX, "Partial Sun", "SkyBlue"},
	{25000, "Full Sun", "Yellow"},
}

func constantSeries(value int, length int) []opts.LineData {
	data := make([]opts.LineData, length)
	for i := range data {
		data[i] = opts.LineData{Value: value}
	}
	return data
}

// Update the info in the results tab
func (m *LightMeter) ServeResultsTab() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conditions, err := m.getCurrentConditions()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		startDate, endDate := tools.ParseStartAndEndDate(r, m.Location, m.log)
		conditions, err = m.getHistoricalConditions(conditions, startDate, endDate)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		tmpl, err := parseTemplateFile("html/results.gohtml")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		type ConditionsForDisplay struct {
			JobID                 string
			Lux                   string
			Unit                  string
			CreatedAt             string
			DateRange             string
			RecordedHoursInRange  string
			FullSunlightInRange   string
			LightConditionInRange string
			AverageLuxInRange     string
			StartDate             string
			EndDate               string
		}
		err = tmpl.Execute(w, ConditionsForDisplay{
			JobID:                 conditions.JobID,
			Lux:                   fmt.Sprintf("%.2f", conditions.Lux),
			Unit:                  m.part.Unit,
			CreatedAt:             conditions.CreatedAt,
			DateRange:             conditions.DateRange,
			RecordedHoursInRange:  fmt.Sprintf("%.2f", conditions.RecordedHoursInRange),
			FullSunlightInRange:   fmt.Sprintf("%.2f", conditions.FullSunlightInRange),
			LightConditionInRange: conditions.LightConditionInRange,
			AverageLuxInRange:     fmt.Sprintf("%.2f", conditions.AverageLuxInRange),
			StartDate:             startDate,
			EndDate:               endDate,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// Summarise the readings between startDate and endDate (UTC, tools.LayoutDB)
func (m *LightMeter) getHistoricalConditions(conditions Conditions, startDate string, endDate string) (Conditions, error) {
	if m.ResultsDB == nil {
		return conditions, nil
	}
	conditions.DateRange = fmt.Sprintf("%s - %s UTC", startDate, endDate)

	row := m.ResultsDB.QueryRow(`
    SELECT
        COUNT(*),
        COALESCE(AVG(lux), 0),
        MIN(created_at),
        MAX(created_at)
    FROM readings
    WHERE created_at BETWEEN ? AND ?`, startDate, endDate)
	var count int
	var oldest, mostRecent sql.NullString
	if err := row.Scan(&count, &conditions.AverageLuxInRange, &oldest, &mostRecent); err != nil {
		return conditions, err
	}
	if count == 0 {
		conditions.LightConditionInRange = "No Data in Range"
		return conditions, nil
	}

	// Minutes where the average lux was above full sun
	var fullSunMinutes int
	err := m.ResultsDB.QueryRow(`
    SELECT COUNT(*)
    FROM (
        SELECT AVG(lux) AS avg_lux
        FROM readings
        WHERE created_at BETWEEN ? AND ?
        GROUP BY strftime('%Y-%m-%d %H:%M', created_at)
    )
    WHERE avg_lux > ?`, startDate, endDate, FULL_SUN_LUX).Scan(&fullSunMinutes)
	if err != nil {
		return conditions, err
	}
	conditions.FullSunlightInRange = float64(fullSunMinutes) / 60

	if oldest.Valid && mostRecent.Valid {
		first, last, err := tools.StartAndEndDateToTime(oldest.String, mostRecent.String)
		if err != nil {
			return conditions, err
		}
		conditions.RecordedHoursInRange = last.Sub(first).Hours()
	}
	conditions.LightConditionInRange = classifyLight(conditions.FullSunlightInRange, conditions.RecordedHoursInRange)
	return conditions, nil
}

// classifyLight names the light condition from the share of recorded time
// spent in full sun.
func classifyLight(fullSunHours, recordedHours float64) string {
	if recordedHours <= 0 {
		return "Not Enough Data"
	}
	share := fullSunHours / recordedHours
	switch {
	case share > 0.5:
		return "Full Sun"
	case share > 0.25:
		return "Partial Sun"
	case share > 0.1:
		return "Partial Shade"
	default:
		return "Shade"
	}
}

// Used to clear a div with htmx
func (m *LightMeter) Clear() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {}
}

package report

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/lssmap/internal/lssmap/l4grid"
)

// DefaultMaxCellPoints caps the number of cells drawn in the HTML chart.
const DefaultMaxCellPoints = 50000

var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// WriteCellChart renders an HTML scatter chart of the grid: one point per
// occupied cell at its mean, coloured by point count. Large grids are
// strided down to at most maxPoints cells.
func WriteCellChart(w io.Writer, grid *l4grid.CountingGrid, title string, maxPoints int) error {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxCellPoints
	}
	records := grid.Export()
	stride := 1
	if len(records) > maxPoints {
		stride = (len(records) + maxPoints - 1) / maxPoints
	}

	data := make([]opts.ScatterData, 0, len(records)/stride+1)
	var maxCount int64
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := 0; i < len(records); i += stride {
		r := records[i]
		mx, my := r.Mean()
		data = append(data, opts.ScatterData{Value: []interface{}{mx, my, r.Count}})
		maxCount = max(maxCount, r.Count)
		minX, maxX = min(minX, mx), max(maxX, mx)
		minY, maxY = min(minY, my), max(maxY, my)
	}
	if len(data) == 0 {
		minX, minY, maxX, maxY = -1, -1, 1, 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Counting Grid", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("cell=%gm cells=%d points=%d stride=%d", grid.CellSize(), grid.Len(), grid.Points(), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: math.Floor(minX) - 1, Max: math.Ceil(maxX) + 1, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: math.Floor(minY) - 1, Max: math.Ceil(maxY) + 1, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxCount),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	scatter.AddSeries("cells", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	return scatter.Render(w)
}

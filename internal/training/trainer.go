package training

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/miradorstack/mirador-risk/internal/model"
	"github.com/miradorstack/mirador-risk/internal/models"
)

// Config tunes the logistic fit. Zero values select the defaults.
type Config struct {
	Iterations   int
	LearningRate float64
	L2           float64
	Version      string
	Now          func() time.Time
}

// Report summarises a training run.
type Report struct {
	Samples        int     `json:"samples"`
	Positives      int     `json:"positives"`
	Features       int     `json:"features"`
	PseudoLabelled bool    `json:"pseudo_labelled"`
	LogLoss        float64 `json:"log_loss"`
	Accuracy       float64 `json:"accuracy"`
	AnomalyScale   float64 `json:"anomaly_scale"`
}

func (c *Config) normalize() {
	if c.Iterations <= 0 {
		c.Iterations = 500
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.1
	}
	if c.L2 < 0 {
		c.L2 = 0
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Train fits standardised logistic regression by full-batch gradient descent from a
// zero start, so the same dataset always yields the same parameters. Coefficients
// are returned in raw feature units. The anomaly scale is the 95th percentile of the
// training rows' RMS z-score.
func Train(ds Dataset, cfg Config) (model.LearnedParams, Report, error) {
	cfg.normalize()
	n, d := len(ds.Examples), len(ds.Features)
	if n == 0 || d == 0 {
		return model.LearnedParams{}, Report{}, fmt.Errorf("%w: empty dataset", models.ErrInvalidRequest)
	}

	columns := make([][]float64, d)
	for j := range columns {
		columns[j] = make([]float64, n)
	}
	labels := make([]float64, n)
	for i, ex := range ds.Examples {
		for j, name := range ds.Features {
			columns[j][i] = ex.Vector.Values[name]
		}
		if ex.Label {
			labels[i] = 1
		}
	}

	means := make([]float64, d)
	stds := make([]float64, d)
	for j, col := range columns {
		means[j], stds[j] = stat.MeanStdDev(col, nil)
		if n < 2 || math.IsNaN(stds[j]) {
			stds[j] = 0
		}
	}

	rows := make([][]float64, n)
	for i := range rows {
		row := make([]float64, d)
		for j := range row {
			if stds[j] > 0 {
				row[j] = (columns[j][i] - means[j]) / stds[j]
			}
		}
		rows[i] = row
	}

	beta, intercept := fit(rows, labels, ds.Positives, cfg)

	coefficients := make([]float64, d)
	for j := range coefficients {
		if stds[j] > 0 {
			coefficients[j] = beta[j] / stds[j]
		}
	}

	rms := make([]float64, n)
	for i, row := range rows {
		rms[i] = math.Sqrt(floats.Dot(row, row) / float64(d))
	}
	sort.Float64s(rms)
	scale := stat.Quantile(0.95, stat.Empirical, rms, nil)
	if scale <= 0 || math.IsNaN(scale) {
		scale = 1
	}

	trainedAt := cfg.Now().UTC()
	version := cfg.Version
	if version == "" {
		version = "lr-" + trainedAt.Format("20060102T150405Z")
	}
	params := model.LearnedParams{
		Version:      version,
		TrainedAt:    trainedAt,
		Features:     append([]string(nil), ds.Features...),
		Means:        means,
		Stds:         stds,
		Coefficients: coefficients,
		Intercept:    intercept,
		AnomalyScale: scale,
		Samples:      n,
		Positives:    ds.Positives,
	}
	if err := params.Validate(); err != nil {
		return model.LearnedParams{}, Report{}, err
	}

	report := Report{
		Samples:        n,
		Positives:      ds.Positives,
		Features:       d,
		PseudoLabelled: ds.PseudoLabelled,
		AnomalyScale:   scale,
	}
	report.LogLoss, report.Accuracy = evaluate(rows, labels, beta, intercept)
	return params, report, nil
}

// fit runs gradient descent on standardised rows. A single-class dataset only fits
// a smoothed intercept.
func fit(rows [][]float64, labels []float64, positives int, cfg Config) ([]float64, float64) {
	n := len(rows)
	d := len(rows[0])
	beta := make([]float64, d)
	if positives == 0 || positives == n {
		return beta, math.Log((float64(positives) + 0.5) / (float64(n-positives) + 0.5))
	}
	intercept := 0.0
	grad := make([]float64, d)
	for iter := 0; iter < cfg.Iterations; iter++ {
		for j := range grad {
			grad[j] = 0
		}
		gradIntercept := 0.0
		for i, row := range rows {
			residual := sigmoid(intercept+floats.Dot(beta, row)) - labels[i]
			floats.AddScaled(grad, residual, row)
			gradIntercept += residual
		}
		floats.Scale(1/float64(n), grad)
		floats.AddScaled(grad, cfg.L2, beta)
		floats.AddScaled(beta, -cfg.LearningRate, grad)
		intercept -= cfg.LearningRate * gradIntercept / float64(n)
	}
	return beta, intercept
}

func evaluate(rows [][]float64, labels, beta []float64, intercept float64) (logLoss, accuracy float64) {
	const eps = 1e-12
	correct := 0
	for i, row := range rows {
		p := sigmoid(intercept + floats.Dot(beta, row))
		if labels[i] == 1 {
			logLoss -= math.Log(math.Max(p, eps))
		} else {
			logLoss -= math.Log(math.Max(1-p, eps))
		}
		if (p >= 0.5) == (labels[i] == 1) {
			correct++
		}
	}
	return logLoss / float64(len(rows)), float64(correct) / float64(len(rows))
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

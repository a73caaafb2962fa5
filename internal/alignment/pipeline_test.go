package alignment

import (
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"cardalign/internal/config"
	"cardalign/internal/features"
	"cardalign/internal/homography"
	"cardalign/internal/matching"
	"cardalign/internal/template"
	"cardalign/pkg/geometry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// checkerboard builds a BGR test image with strong local contrast so
// sharpness measurement has edges to respond to.
func checkerboard(t *testing.T, rows, cols int) gocv.Mat {
	t.Helper()
	data := make([]byte, rows*cols*3)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			var v byte
			if (x/8+y/8)%2 == 0 {
				v = 255
			}
			off := (y*cols + x) * 3
			data[off], data[off+1], data[off+2] = v, v, v
		}
	}
	img, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8UC3, data)
	require.NoError(t, err)
	return img
}

// syntheticSet builds n keypoints on a grid with distinct random
// descriptors.
func syntheticSet(n int, seed int64) features.Set {
	rng := rand.New(rand.NewSource(seed))
	set := features.Set{
		Keypoints:   make([]features.Keypoint, n),
		Descriptors: make([][]byte, n),
	}
	for i := 0; i < n; i++ {
		set.Keypoints[i] = features.Keypoint{
			X:        float64(i%12)*60 + 20,
			Y:        float64(i/12)*50 + 20,
			Response: float64(n - i),
		}
		d := make([]byte, features.DescriptorSize)
		rng.Read(d)
		set.Descriptors[i] = d
	}
	return set
}

type stubStore struct {
	tpl *template.Template
	err error
}

func (s *stubStore) Get(string) (*template.Template, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.tpl, nil
}

type stubExtractor struct {
	set    features.Set
	closed *int
}

func (e *stubExtractor) Extract(gocv.Mat) features.Set { return e.set }

func (e *stubExtractor) Close() error {
	if e.closed != nil {
		*e.closed++
	}
	return nil
}

type stubMatcher struct {
	out []matching.Correspondence
}

func (m *stubMatcher) Match(_, _ features.Set) []matching.Correspondence { return m.out }

type stubEstimator struct {
	best     *homography.Attempt
	attempts []homography.Attempt
}

func (e *stubEstimator) Estimate(_, _ []geometry.Point2D) (*homography.Attempt, []homography.Attempt) {
	return e.best, e.attempts
}

func TestAlignBadInput(t *testing.T) {
	p := New(&stubStore{err: template.ErrNotFound}, config.Default(), testLogger())

	empty := gocv.NewMat()
	defer empty.Close()
	_, err := p.Align(empty, "id_front")
	assert.ErrorIs(t, err, ErrBadInput)

	_, err = p.AlignBytes([]byte("not an image"), "id_front")
	assert.ErrorIs(t, err, ErrBadInput)
}

func TestAlignNoTemplate(t *testing.T) {
	p := New(&stubStore{err: template.ErrNotFound}, config.Default(), testLogger())

	// The unknown-label fallback must short-circuit before any detector
	// work happens.
	builds := 0
	p.newExtractor = func() Extractor {
		builds++
		return &stubExtractor{}
	}

	img := checkerboard(t, 120, 160)
	defer img.Close()

	res, err := p.Align(img, "passport")
	require.NoError(t, err)
	defer res.Image.Close()

	assert.False(t, res.Aligned())
	assert.Equal(t, ReasonNoTemplate, res.Metrics.Reason)
	assert.Equal(t, ReasonNoTemplate, res.Diagnostics.Reason)
	assert.Equal(t, img.Rows(), res.Image.Rows())
	assert.Equal(t, img.Cols(), res.Image.Cols())
	assert.Zero(t, builds)
}

func TestAlignStoreError(t *testing.T) {
	p := New(&stubStore{err: errors.New("template dir unreadable")}, config.Default(), testLogger())

	img := checkerboard(t, 120, 160)
	defer img.Close()

	_, err := p.Align(img, "id_front")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id_front")
}

func TestAlignNoFeatures(t *testing.T) {
	tplImg := checkerboard(t, 300, 400)
	defer tplImg.Close()
	tpl := &template.Template{Label: "id_front", Image: tplImg, Features: syntheticSet(5, 1), Scale: 1}

	closed := 0
	p := New(&stubStore{tpl: tpl}, config.Default(), testLogger())
	p.newExtractor = func() Extractor {
		return &stubExtractor{closed: &closed}
	}

	img := checkerboard(t, 120, 160)
	defer img.Close()

	res, err := p.Align(img, "id_front")
	require.NoError(t, err)
	defer res.Image.Close()

	assert.False(t, res.Aligned())
	assert.Equal(t, ReasonNoFeatures, res.Metrics.Reason)
	assert.Equal(t, 5, res.Diagnostics.FeaturesBase)
	assert.Zero(t, res.Diagnostics.FeaturesTarget)
	assert.Equal(t, 1, closed, "per-request extractor must be released")
}

func TestAlignNoMatches(t *testing.T) {
	tplImg := checkerboard(t, 300, 400)
	defer tplImg.Close()
	tpl := &template.Template{Label: "id_front", Image: tplImg, Features: syntheticSet(10, 1), Scale: 1}

	p := New(&stubStore{tpl: tpl}, config.Default(), testLogger())
	p.newExtractor = func() Extractor {
		return &stubExtractor{set: syntheticSet(10, 2)}
	}
	p.matcher = &stubMatcher{}

	img := checkerboard(t, 120, 160)
	defer img.Close()

	res, err := p.Align(img, "id_front")
	require.NoError(t, err)
	defer res.Image.Close()

	assert.False(t, res.Aligned())
	assert.Equal(t, ReasonNoMatches, res.Metrics.Reason)
	assert.Equal(t, 10, res.Diagnostics.FeaturesTarget)
	assert.Zero(t, res.Diagnostics.GoodMatches)
}

func TestAlignTooFewCorrespondences(t *testing.T) {
	// Three correspondences cannot constrain a projective transform, so
	// the real estimator declines and the pipeline falls back.
	tplImg := checkerboard(t, 300, 400)
	defer tplImg.Close()
	tpl := &template.Template{Label: "id_front", Image: tplImg, Features: syntheticSet(10, 1), Scale: 1}

	p := New(&stubStore{tpl: tpl}, config.Default(), testLogger())
	p.newExtractor = func() Extractor {
		return &stubExtractor{set: syntheticSet(10, 2)}
	}
	p.matcher = &stubMatcher{out: []matching.Correspondence{
		{Query: 0, Train: 0, Distance: 1},
		{Query: 1, Train: 1, Distance: 2},
		{Query: 2, Train: 2, Distance: 1},
	}}

	img := checkerboard(t, 120, 160)
	defer img.Close()

	res, err := p.Align(img, "id_front")
	require.NoError(t, err)
	defer res.Image.Close()

	assert.False(t, res.Aligned())
	assert.Equal(t, ReasonNoHomography, res.Metrics.Reason)
	assert.Equal(t, 3, res.Diagnostics.GoodMatches)
	assert.Zero(t, res.Diagnostics.Inliers)
	assert.Zero(t, res.Diagnostics.BlurScore)
}

func TestAlignAccepted(t *testing.T) {
	tplImg := checkerboard(t, 300, 400)
	defer tplImg.Close()
	// Input is 400px wide against an 800px working frame, so Scale 2
	// makes the template and input normalizations cancel exactly.
	tpl := &template.Template{Label: "id_front", Image: tplImg, Features: syntheticSet(120, 1), Scale: 2}

	n := 120
	pairs := make([]matching.Correspondence, n)
	for i := range pairs {
		pairs[i] = matching.Correspondence{Query: i, Train: i, Distance: 1}
	}
	identity := geometry.IdentityHomography()
	inliers := make([]int, 70)
	for i := range inliers {
		inliers[i] = i
	}
	attempt := homography.Attempt{Config: homography.DefaultCascade()[0], H: &identity, Inliers: inliers}

	cfg := config.Default()
	cfg.Pipeline.CropPadding = false

	closed := 0
	p := New(&stubStore{tpl: tpl}, cfg, testLogger())
	p.newExtractor = func() Extractor {
		return &stubExtractor{set: syntheticSet(n, 2), closed: &closed}
	}
	p.matcher = &stubMatcher{out: pairs}
	p.estimator = &stubEstimator{best: &attempt, attempts: []homography.Attempt{attempt}}

	img := checkerboard(t, 300, 400)
	defer img.Close()

	res, err := p.Align(img, "id_front")
	require.NoError(t, err)
	defer res.Image.Close()

	assert.True(t, res.Aligned())
	assert.Equal(t, "aligned", res.Metrics.Decision)
	assert.Empty(t, res.Metrics.Reason)
	assert.Equal(t, tplImg.Rows(), res.Image.Rows())
	assert.Equal(t, tplImg.Cols(), res.Image.Cols())

	d := res.Diagnostics
	assert.Equal(t, 120, d.FeaturesBase)
	assert.Equal(t, 120, d.FeaturesTarget)
	assert.Equal(t, 120, d.GoodMatches)
	assert.Equal(t, 70, d.Inliers)
	assert.Greater(t, d.BlurScore, 50.0)
	// inliers 70 -> 35, matches 120 -> 20, blur well over 300 -> 30.
	assert.Equal(t, 85, d.QualityScore)
	require.Len(t, d.Attempts, 1)
	assert.True(t, d.Attempts[0].Converged)
	assert.Equal(t, 70, d.Attempts[0].Inliers)

	// Same input, same diagnostics: the request path is deterministic.
	again, err := p.Align(img, "id_front")
	require.NoError(t, err)
	defer again.Image.Close()
	assert.Equal(t, res.Diagnostics, again.Diagnostics)

	assert.Equal(t, 2, closed)
}

package imgproc

import (
	"gocv.io/x/gocv"
)

// BlurScore measures sharpness as the variance of the Laplacian response
// over the luminance channel. Higher is sharper; values under ~50 are
// unreadable for document text.
func BlurScore(img gocv.Mat) float64 {
	gray := ToGray(img)
	defer gray.Close()

	lap := gocv.NewMat()
	gocv.Laplacian(gray, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)
	defer lap.Close()

	_, stddev := meanStdDev(lap)
	return stddev * stddev
}

// Luminance returns the mean and standard deviation of the luminance
// channel, i.e. brightness and contrast.
func Luminance(img gocv.Mat) (brightness, contrast float64) {
	gray := ToGray(img)
	defer gray.Close()
	return meanStdDev(gray)
}

func meanStdDev(m gocv.Mat) (mean, stddev float64) {
	meanMat, stddevMat := m.MeanStdDev()
	defer meanMat.Close()
	defer stddevMat.Close()
	return meanMat.GetDoubleAt(0, 0), stddevMat.GetDoubleAt(0, 0)
}

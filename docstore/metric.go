package docstore

import "fmt"

type Metric string

const (
	Cosine       Metric = "cosine"
	L2           Metric = "l2"
	InnerProduct Metric = "ip"
)

func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "", Cosine:
		return Cosine, nil
	case L2:
		return L2, nil
	case InnerProduct:
		return InnerProduct, nil
	}

	return "", fmt.Errorf("unknown distance metric: %s", s)
}

// Similarity converts a distance reported under m into 1 - normalized distance.
// Embeddings are expected to be unit length, which makes all three metrics
// agree with cosine similarity.
func (m Metric) Similarity(distance float32) float32 {
	switch m {
	case L2:
		// squared euclidean distance of unit vectors lies in [0, 4]
		return 1 - distance/2
	default:
		return 1 - distance
	}
}

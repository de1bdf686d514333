// Prediction objects: the temporally segmented, scored match results the
// engine returns for an observation.
package pattern

// Anomaly records one fuzzy-matched token pair inside the present window.
type Anomaly struct {
	Expected   string  `json:"expected"`
	Observed   string  `json:"observed"`
	Similarity float64 `json:"similarity"`
}

// Prediction is a scored match of a learned pattern against the STM.
// Past, Present, and Future partition the pattern's events around the
// alignment window; Matches and Missing partition the present window's
// symbols; Extras are observed symbols the pattern did not expect.
// Matches, Missing, and Extras keep original order (no sorting).
type Prediction struct {
	Name             string               `json:"name"`
	Past             []Event              `json:"past"`
	Present          []Event              `json:"present"`
	Future           []Event              `json:"future"`
	Matches          []string             `json:"matches"`
	Missing          []string             `json:"missing"`
	Extras           []string             `json:"extras"`
	Anomalies        []Anomaly            `json:"anomalies"`
	Similarity       float64              `json:"similarity"`
	Confidence       float64              `json:"confidence"`
	Evidence         float64              `json:"evidence"`
	Entropy          float64              `json:"entropy"`
	Frequency        int                  `json:"frequency"`
	Emotives         map[string]float64   `json:"emotives"`
	Metadata         map[string][]any     `json:"metadata"`
	Hamiltonian      []float64            `json:"hamiltonian"`
	GrandHamiltonian float64              `json:"grand_hamiltonian"`
	Confluence       float64              `json:"confluence"`
}

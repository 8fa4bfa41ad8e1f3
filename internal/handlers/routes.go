package handlers

import "net/http"

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern string, fn http.HandlerFunc) {
		mux.HandleFunc(pattern, h.instrument(pattern, enableCORS(fn)))
	}

	route("/", h.Home)
	route("/health", h.Health)
	route("/predict", h.Predict)
	route("/predict/raw", h.PredictRaw)

	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics.Handler())
	}

	return mux
}

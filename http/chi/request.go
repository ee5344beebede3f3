package chi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

func GetUrlParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}

// BindJson decodes the request body, an empty body is a bad request
func BindJson(r *http.Request, obj any) error {
	if err := render.DecodeJSON(r.Body, obj); err != nil {
		return NewHttpError(http.StatusBadRequest, err)
	}
	return nil
}

func wrapWriter(w http.ResponseWriter, r *http.Request) middleware.WrapResponseWriter {
	return middleware.NewWrapResponseWriter(w, r.ProtoMajor)
}

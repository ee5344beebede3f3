package chi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/meidoworks/nekoq-notifyrelay/component/comphttp"
)

// HttpError carries the status to answer with
type HttpError struct {
	Status int
	Err    error
}

func (h *HttpError) Error() string {
	return fmt.Sprintf("http %d: %v", h.Status, h.Err)
}

func (h *HttpError) Unwrap() error {
	return h.Err
}

func NewHttpError(status int, err error) error {
	return &HttpError{Status: status, Err: err}
}

type chiRenderString struct {
	status int
	raw    string
}

func (c *chiRenderString) Render(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(c.status)
	_, err := w.Write([]byte(c.raw))
	return err
}

func RenderString(status int, raw string) comphttp.ResponseHandler[http.ResponseWriter] {
	return &chiRenderString{raw: raw, status: status}
}

type chiRenderStatus struct {
	status int
}

func (c chiRenderStatus) Render(w http.ResponseWriter) error {
	w.WriteHeader(c.status)
	return nil
}

func RenderStatus(status int) comphttp.ResponseHandler[http.ResponseWriter] {
	return chiRenderStatus{status: status}
}

type chiRenderJson struct {
	status int
	obj    any
}

func (c *chiRenderJson) Render(w http.ResponseWriter) error {
	data, err := json.Marshal(c.obj)
	if err != nil {
		return err
	}
	// headers must be set before the status is written
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(c.status)
	_, err = w.Write(data)
	return err
}

func RenderJson(status int, obj any) comphttp.ResponseHandler[http.ResponseWriter] {
	return &chiRenderJson{obj: obj, status: status}
}

func RenderJsonError(status int, err error) comphttp.ResponseHandler[http.ResponseWriter] {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	return RenderJson(status, map[string]any{
		"result": false,
		"error":  msg,
	})
}

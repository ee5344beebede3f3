package comphttp

type ResponseHandler[T any] interface {
	Render(T) error
}

// ResponseHandlerFunc adapts a plain function, mostly for streaming responses
type ResponseHandlerFunc[T any] func(T) error

func (f ResponseHandlerFunc[T]) Render(t T) error {
	return f(t)
}

type HttpApi[REQ, RES any] interface {
	ParentUrl() string
	Url() string
	HttpMethod() []string
	Handle(r REQ) (ResponseHandler[RES], error)
}

// HttpApiWithMiddlewares is implemented by apis wrapped by middlewares of type M
type HttpApiWithMiddlewares[REQ, RES, M any] interface {
	HttpApi[REQ, RES]
	Middlewares() []M
}

type HttpApiSet[REQ, RES any] interface {
	AddHttpApi(a HttpApi[REQ, RES]) error

	DefaultErrorHandler(error) ResponseHandler[RES]
}

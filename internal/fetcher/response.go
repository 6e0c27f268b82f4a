package fetcher

// IsSuccess reports whether r's HTTP status is 2xx.
func (r *FetchResult) IsSuccess() bool {
	return r.HTTPStatus >= 200 && r.HTTPStatus < 300
}

// IsRedirect reports whether r's HTTP status is 3xx.
func (r *FetchResult) IsRedirect() bool {
	return r.HTTPStatus >= 300 && r.HTTPStatus < 400
}

// IsClientError reports whether r's HTTP status is 4xx.
func (r *FetchResult) IsClientError() bool {
	return r.HTTPStatus >= 400 && r.HTTPStatus < 500
}

// IsServerError reports whether r's HTTP status is 5xx.
func (r *FetchResult) IsServerError() bool {
	return r.HTTPStatus >= 500 && r.HTTPStatus < 600
}

// IsHTML reports whether r's content type is text/html.
func (r *FetchResult) IsHTML() bool {
	ct := r.ContentType
	return ct == "text/html" || (len(ct) > 9 && ct[:9] == "text/html")
}

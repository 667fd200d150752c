package tokengate

import "net/http"

// bearerHeaders is the default header set: a single bearer authorization
// header carrying the credential.
func bearerHeaders(credential string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + credential}}
}

// attach returns a copy of req carrying the credential headers built by
// build. The caller's request is never mutated. An empty credential returns
// req unchanged: the request proceeds unauthenticated and the server decides
// whether that is acceptable.
func attach(req *http.Request, credential string, build func(string) http.Header) *http.Request {
	if credential == "" {
		return req
	}

	clone := req.Clone(req.Context())
	if clone.Header == nil {
		clone.Header = make(http.Header)
	}
	for key, values := range build(credential) {
		clone.Header.Del(key)
		for _, v := range values {
			clone.Header.Add(key, v)
		}
	}
	return clone
}

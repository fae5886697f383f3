package response

// ResponseModel is the error body of every JSON endpoint.
type ResponseModel struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

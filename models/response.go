package models

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    ErrorKind   `json:"kind,omitempty"`
	Field   string      `json:"field,omitempty"`
	Message string      `json:"message,omitempty"`
}

func SuccessResponse(data interface{}) APIResponse {
	return APIResponse{
		Success: true,
		Data:    data,
	}
}

func ErrorResponse(err string) APIResponse {
	return APIResponse{
		Success: false,
		Error:   err,
	}
}

// KindErrorResponse carries the controller error kind so displays can tell
// a cancellation from a device failure.
func KindErrorResponse(err string, kind ErrorKind, field string) APIResponse {
	return APIResponse{
		Success: false,
		Error:   err,
		Kind:    kind,
		Field:   field,
	}
}

func MessageResponse(message string) APIResponse {
	return APIResponse{
		Success: true,
		Message: message,
	}
}

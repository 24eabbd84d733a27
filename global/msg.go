package global

import "SignGate/tools/errs"

// Msg is the JSON envelope of every plain HTTP answer the gateway gives.
type Msg struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func Success(data any) *Msg {
	return &Msg{
		Code: 200,
		Msg:  "",
		Data: data,
	}
}

// Fail renders err; coded errors keep their code, anything else becomes 500.
func Fail(err error) *Msg {
	if ce, ok := errs.AsCode(err); ok {
		return &Msg{Code: ce.Code, Msg: ce.Msg}
	}
	return &Msg{Code: 500, Msg: err.Error()}
}

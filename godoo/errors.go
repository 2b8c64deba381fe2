// godoo/errors.go
package godoo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/kolo/xmlrpc"
	"github.com/sony/gobreaker"
)

// Common Odoo client specific errors.
var (
	// ErrAuthenticationFailed indica que la autenticación con Odoo falló.
	// It is fatal for a run and never retried.
	ErrAuthenticationFailed = errors.New("godoo: authentication failed")

	// ErrRecordNotFound indica que no se encontró ningún registro para los criterios dados.
	ErrRecordNotFound = errors.New("godoo: no record found for the given criteria")

	// ErrInvalidModel indica que el modelo de Odoo especificado no existe o es inválido.
	ErrInvalidModel = errors.New("godoo: invalid Odoo model")

	// ErrInvalidMethod indica que el método especificado no existe para el modelo dado.
	ErrInvalidMethod = errors.New("godoo: invalid Odoo method for the model")

	// ErrOdooRPC es un error genérico para cualquier fallo en la llamada XML-RPC a Odoo.
	ErrOdooRPC = errors.New("godoo: Odoo XML-RPC call failed")

	// ErrInvalidResponse is returned when the Odoo RPC response is
	// malformed or not in the expected format.
	ErrInvalidResponse = errors.New("godoo: invalid Odoo RPC response")

	// ErrCircuitOpen is returned while the client's circuit breaker refuses calls
	// after a streak of transient failures.
	ErrCircuitOpen = errors.New("godoo: circuit breaker open")
)

// OdooRPCError representa un error estructurado devuelto por el servidor Odoo XML-RPC.
type OdooRPCError struct {
	OriginalError error  // El error subyacente de la librería xmlrpc
	Code          int    // Código de error de Odoo (si se puede parsear)
	Message       string // Mensaje de error de Odoo
}

// Error implementa la interfaz error para OdooRPCError.
func (e *OdooRPCError) Error() string {
	if e.OriginalError != nil {
		return fmt.Sprintf("%s: %s (original: %v)", ErrOdooRPC, e.Message, e.OriginalError)
	}
	return fmt.Sprintf("%s: %s", ErrOdooRPC, e.Message)
}

// Unwrap permite el uso de errors.Is y errors.As con OdooRPCError.
func (e *OdooRPCError) Unwrap() error {
	return e.OriginalError
}

// Is makes errors.Is(err, ErrOdooRPC) true for every server fault.
func (e *OdooRPCError) Is(target error) bool {
	return target == ErrOdooRPC
}

// InvalidFieldError is a fault raised when a projection or a write names a field
// the model does not have. Find recovers from it by dropping Field and retrying.
type InvalidFieldError struct {
	Model string
	Field string
	Err   error
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("godoo: invalid field %q on model %q: %v", e.Field, e.Model, e.Err)
}

func (e *InvalidFieldError) Unwrap() error {
	return e.Err
}

var (
	faultRe        = regexp.MustCompile(`(?s)Fault\(?\s?(-?\d+)\)?:\s*'?(.*?)'?$`)
	invalidFieldRe = regexp.MustCompile(`Invalid field '?"?([A-Za-z0-9_.]+)'?"?`)
)

// parseOdooRPCError analiza un error del cliente XML-RPC para devolver un error
// más específico de godoo. Faults arrive either as xmlrpc.FaultError values or,
// from some proxies, as plain strings, so both shapes are handled.
func parseOdooRPCError(model string, err error) error {
	if err == nil {
		return nil
	}

	var faultCode int
	faultMessage := err.Error()

	var fault xmlrpc.FaultError
	var faultPtr *xmlrpc.FaultError
	if errors.As(err, &fault) {
		faultCode = fault.Code
		faultMessage = fault.String
	} else if errors.As(err, &faultPtr) && faultPtr != nil {
		faultCode = faultPtr.Code
		faultMessage = faultPtr.String
	} else if matches := faultRe.FindStringSubmatch(faultMessage); len(matches) == 3 {
		if code, cerr := strconv.Atoi(matches[1]); cerr == nil {
			faultCode = code
		}
		faultMessage = matches[2]
	} else {
		// Not a server fault: transport errors keep their identity for IsTransient.
		return err
	}

	if m := invalidFieldRe.FindStringSubmatch(faultMessage); len(m) == 2 {
		return &InvalidFieldError{Model: model, Field: m[1], Err: &OdooRPCError{OriginalError: err, Code: faultCode, Message: faultMessage}}
	}

	if strings.Contains(faultMessage, "The model does not exist") ||
		strings.Contains(faultMessage, "No model named") ||
		strings.Contains(faultMessage, "not found in registry") ||
		(strings.Contains(faultMessage, "'object' object has no attribute") && strings.Contains(faultMessage, "model")) {
		return fmt.Errorf("%w: %s (original: %w)", ErrInvalidModel, faultMessage, err)
	}

	if strings.Contains(faultMessage, "Object has no method") ||
		strings.Contains(faultMessage, "method does not exist") ||
		(strings.Contains(faultMessage, "missing 1 required positional argument") && strings.Contains(faultMessage, "self")) {
		return fmt.Errorf("%w: %s (original: %w)", ErrInvalidMethod, faultMessage, err)
	}

	if strings.Contains(faultMessage, "AccessDenied") || strings.Contains(faultMessage, "Access Denied") {
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, faultMessage)
	}

	return &OdooRPCError{
		OriginalError: err,
		Code:          faultCode,
		Message:       faultMessage,
	}
}

// IsTransient reports whether err is worth retrying: network failures and call
// timeouts. Server faults, authentication failures, an open breaker and a
// cancelled parent context are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrOdooRPC) ||
		errors.Is(err, ErrInvalidModel) || errors.Is(err, ErrInvalidMethod) ||
		errors.Is(err, ErrInvalidResponse) || errors.Is(err, context.Canceled) {
		return false
	}
	var fieldErr *InvalidFieldError
	if errors.As(err, &fieldErr) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "502 Bad Gateway") ||
		strings.Contains(msg, "503 Service Unavailable") ||
		strings.Contains(msg, "504 Gateway Timeout") ||
		strings.Contains(msg, "bad status code - 50")
}

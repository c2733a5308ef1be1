// Package mail delivers verification codes and lockout notices.
package mail

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type CodeMessage struct {
	To              string
	Nombre          string
	Codigo          string
	TituloDocumento string
	CodigoTramite   string
	ExpiraMinutos   int
}

type LockoutMessage struct {
	To      string
	Nombre  string
	Minutos int
}

// Sender is the code delivery channel. Implementations must honour ctx cancellation.
type Sender interface {
	SendCode(ctx context.Context, msg CodeMessage) error
	SendLockoutNotice(ctx context.Context, msg LockoutMessage) error
}

// LogSender writes messages to the log instead of delivering them. Meant for development.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s LogSender) SendCode(ctx context.Context, msg CodeMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger().Info("verification code",
		zap.String("to", msg.To),
		zap.String("tramite", msg.CodigoTramite),
		zap.String("codigo", msg.Codigo),
		zap.Int("expira_minutos", msg.ExpiraMinutos),
	)
	return nil
}

func (s LogSender) SendLockoutNotice(ctx context.Context, msg LockoutMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger().Warn("verification lockout notice", zap.String("to", msg.To), zap.Int("minutos", msg.Minutos))
	return nil
}

func codeSubject(msg CodeMessage) string {
	return fmt.Sprintf("Código de verificación para firmar %s", msg.CodigoTramite)
}

func codeBody(msg CodeMessage) string {
	return fmt.Sprintf(`Hola %s,

Su código de verificación para firmar el documento "%s" (trámite %s) es:

    %s

El código expira en %d minutos. Si usted no solicitó este código, ignore este mensaje.
`, msg.Nombre, msg.TituloDocumento, msg.CodigoTramite, msg.Codigo, msg.ExpiraMinutos)
}

func lockoutSubject() string {
	return "Bloqueo temporal de verificación"
}

func lockoutBody(msg LockoutMessage) string {
	return fmt.Sprintf(`Hola %s,

Se superó el número máximo de intentos de verificación. Podrá volver a intentarlo en %d minutos.
Si no reconoce esta actividad, comuníquese con el administrador.
`, msg.Nombre, msg.Minutos)
}

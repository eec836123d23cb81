package transport

import "github.com/a2aflow/host/internal/common/apperror"

func apperrProtocol(err error) error {
	return apperror.Wrap(apperror.KindProtocol, "malformed a2a event", err)
}

func apperrStuck() error {
	return apperror.New(apperror.KindProtocol, "agent stuck awaiting tool approval")
}

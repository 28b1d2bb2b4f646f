package main

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/jzhou77/partlog/logdata"
	"github.com/jzhou77/partlog/rpcwire"
	"github.com/jzhou77/partlog/tlog"
)

// serveConns accepts connections on ln until it is closed, handing
// each to its own handleConn goroutine, the same accept-loop shape as
// the teacher's own MsgConn-hosting listeners.
func serveConns(ctx context.Context, ln net.Listener, iface *tlog.Interface, logger *zap.SugaredLogger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Warnw("accept", "error", err)
				return
			}
		}
		go handleConn(ctx, conn, iface, logger)
	}
}

// handleConn wires one rpcwire.Conn's commit/peek/pop frames to iface,
// replying with the matching wire reply type or rpcwire.ErrorReply on
// failure.
func handleConn(ctx context.Context, conn net.Conn, iface *tlog.Interface, logger *zap.SugaredLogger) {
	defer conn.Close()
	c := rpcwire.NewConn(conn, logger)

	c.RegisterHandler(rpcwire.MsgCommitRequest, func(payload []byte) error {
		var req rpcwire.CommitRequest
		if err := rpcwire.Decode(payload, &req); err != nil {
			return err
		}
		reply, err := iface.Commit(ctx, commitRequestFromWire(req))
		if err != nil {
			return sendError(c, err)
		}
		out, err := rpcwire.Encode(rpcwire.CommitReply{DurableKnownCommittedVersion: reply.DurableKnownCommittedVersion})
		if err != nil {
			return err
		}
		return c.Send(rpcwire.MsgCommitReply, out)
	})

	c.RegisterHandler(rpcwire.MsgPeekRequest, func(payload []byte) error {
		var req rpcwire.PeekRequest
		if err := rpcwire.Decode(payload, &req); err != nil {
			return err
		}
		result, err := iface.Peek(ctx, peekRequestFromWire(req))
		if err != nil {
			return sendError(c, err)
		}
		out, err := rpcwire.Encode(peekReplyToWire(result))
		if err != nil {
			return err
		}
		return c.Send(rpcwire.MsgPeekReply, out)
	})

	c.RegisterHandler(rpcwire.MsgPopRequest, func(payload []byte) error {
		var req rpcwire.PopRequest
		if err := rpcwire.Decode(payload, &req); err != nil {
			return err
		}
		if err := iface.Pop(ctx, popRequestFromWire(req)); err != nil {
			return sendError(c, err)
		}
		return nil
	})

	c.RegisterHandler(rpcwire.MsgConfirmRunning, func(payload []byte) error {
		out, err := rpcwire.Encode(rpcwire.ConfirmRunning{RecruitmentID: iface.RecruitmentID})
		if err != nil {
			return err
		}
		return c.Send(rpcwire.MsgConfirmRunning, out)
	})

	c.RegisterHandler(rpcwire.MsgDisablePopRequest, func(payload []byte) error {
		return iface.SetIgnorePopRequest(ctx, true)
	})

	c.RegisterHandler(rpcwire.MsgEnablePopRequest, func(payload []byte) error {
		return iface.SetIgnorePopRequest(ctx, false)
	})

	if err := c.Serve(); err != nil {
		logger.Warnw("conn serve", "error", err)
	}
}

func sendError(c *rpcwire.Conn, err error) error {
	kind, ok := tlog.KindOf(err)
	if !ok {
		kind = tlog.KindRecruitmentFailed
	}
	out, encErr := rpcwire.Encode(rpcwire.ErrorReply{Kind: string(kind), Message: err.Error()})
	if encErr != nil {
		return encErr
	}
	return c.Send(rpcwire.MsgErrorReply, out)
}

func commitRequestFromWire(r rpcwire.CommitRequest) tlog.CommitRequest {
	return tlog.CommitRequest{
		SpanID:                   r.SpanID,
		StorageTeamID:            r.StorageTeamID,
		Messages:                 r.Messages,
		PrevVersion:              r.PrevVersion,
		Version:                  r.Version,
		KnownCommittedVersion:    r.KnownCommittedVersion,
		MinKnownCommittedVersion: r.MinKnownCommittedVersion,
		DebugID:                  r.DebugID,
	}
}

func peekRequestFromWire(r rpcwire.PeekRequest) tlog.PeekRequest {
	return tlog.PeekRequest{
		Team:            r.Team,
		BeginVersion:    r.BeginVersion,
		ClientID:        r.ClientID,
		Sequence:        r.Sequence,
		ReturnIfBlocked: r.ReturnIfBlocked,
	}
}

func popRequestFromWire(r rpcwire.PopRequest) tlog.PopRequest {
	return tlog.PopRequest{
		Team:                         r.Team,
		Version:                      r.Version,
		DurableKnownCommittedVersion: r.DurableKnownCommittedVersion,
		Tag:                          r.Tag,
	}
}

func peekReplyToWire(result *logdata.PeekResult) rpcwire.PeekReply {
	messages := make([]rpcwire.PeekMessage, len(result.Messages))
	for i, m := range result.Messages {
		messages[i] = rpcwire.PeekMessage{Version: m.Version, Data: m.Data}
	}
	return rpcwire.PeekReply{
		Messages:                 messages,
		EndVersion:               result.EndVersion,
		MaxKnownVersion:          result.MaxKnownVersion,
		MinKnownCommittedVersion: result.MinKnownCommittedVersion,
	}
}

package ftperr

import "strings"

// Classify maps a raised error and an optional FTP reply code to an
// ErrorKind, first-match-wins, per §4.6. replyCode is 0 when the failure
// never reached a reply (e.g. dial failure). Classify is a pure function:
// the same (err, replyCode) pair always yields the same ErrorKind, and it
// is safe to call from any number of goroutines.
func Classify(err error, replyCode int) ErrorKind {
	switch {
	case replyCode >= 200 && replyCode < 300:
		return ""
	case replyCode >= 300 && replyCode < 400:
		return ""
	case replyCode == 550:
		return FileNotFound
	case replyCode == 530 || replyCode == 532:
		return AuthenticationError
	case replyCode == 551 || replyCode == 552:
		return InsufficientStorage
	case replyCode == 553:
		return InvalidPath
	case replyCode == 501 || replyCode == 502 || replyCode == 504:
		return CommandNotSupported
	case replyCode == 503:
		return InvalidSequence
	case replyCode >= 400 && replyCode < 500:
		return TemporaryError
	case replyCode >= 500 && replyCode < 600:
		return ServerError
	}

	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "refused"):
		return ConnectionRefused
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"):
		return ConnectionTimeout
	case strings.Contains(msg, "reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "closed"),
		strings.Contains(msg, "end of stream"):
		return ConnectionClosed
	case strings.Contains(msg, "login"), strings.Contains(msg, "authentication"):
		return AuthenticationError
	default:
		return Unexpected
	}
}

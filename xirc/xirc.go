// Package xirc contains an extended IRC library.
package xirc

const (
	// MaxLineLength is the classic maximum length of an IRC line, CRLF
	// included.
	MaxLineLength = 512
	// MaxTagsLength is the maximum length of the tags section of a message,
	// leading '@' and trailing space included. It only applies when the
	// message-tags capability has been negotiated on the connection.
	MaxTagsLength = 8191
)

const (
	RPL_ISUPPORT      = "005"
	RPL_MOTDSTART     = "375"
	RPL_MOTD          = "372"
	RPL_ENDOFMOTD     = "376"
	ERR_INVALIDCAPCMD = "410"
	RPL_LOGGEDIN      = "900"
	RPL_SASLSUCCESS   = "903"
	ERR_SASLFAIL      = "904"
	ERR_SASLTOOLONG   = "905"
	ERR_SASLABORTED   = "906"
	ERR_SASLALREADY   = "907"
)

package streams

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goliatone/go-streamdash/query"
)

// Routes served by the stream backend.
const (
	PathList     = "/list"
	PathDescribe = "/stream/describe"
	PathMessages = "/stream/messages"
	PathPublish  = "/stream/message"
	PathDelete   = "/stream"
)

// Freshness of the dashboard views.
const (
	ListStaleTime        = 30 * time.Second
	DescriptionStaleTime = 30 * time.Second
	MessagesStaleTime    = 10 * time.Second
	MessagesRefetch      = 15 * time.Second

	// MessagesLimit is how many recent records the messages view asks for.
	MessagesLimit = 40
)

const (
	scopeList        = "streams"
	scopeDescription = "stream"
	scopeMessages    = "stream-messages"
)

// ListKey identifies the list of every stream.
func ListKey() query.Key { return query.K(scopeList) }

// DescriptionKey identifies the metadata of one stream.
func DescriptionKey(name string) query.Key { return query.K(scopeDescription, name) }

// MessagesKey identifies the recent messages of one stream.
func MessagesKey(name string) query.Key { return query.K(scopeMessages, name) }

// ListQuery loads the stream list.
func ListQuery() query.Query {
	return query.Query{
		Key:     ListKey(),
		Fetch:   query.FetchJSON[List](query.Request{Method: http.MethodGet, Path: PathList}),
		Options: query.Options{StaleTime: ListStaleTime},
	}
}

// DescriptionQuery loads the metadata of name.
func DescriptionQuery(name string) query.Query {
	return query.Query{
		Key: DescriptionKey(name),
		Fetch: query.FetchJSON[Description](query.Request{
			Method: http.MethodGet,
			Path:   PathDescribe,
			Query:  url.Values{"streamName": {name}},
		}),
		Options: query.Options{StaleTime: DescriptionStaleTime},
	}
}

// MessagesQuery loads the latest messages of name and keeps polling them
// while observed.
func MessagesQuery(name string) query.Query {
	return query.Query{
		Key: MessagesKey(name),
		Fetch: query.FetchJSON[Messages](query.Request{
			Method: http.MethodGet,
			Path:   PathMessages,
			Query:  url.Values{"streamName": {name}, "limit": {strconv.Itoa(MessagesLimit)}},
		}),
		Options: query.Options{StaleTime: MessagesStaleTime, RefetchInterval: MessagesRefetch},
	}
}

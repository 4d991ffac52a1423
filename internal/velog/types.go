package velog

import "time"

// Identity is the authenticated user reported by the remote API.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// PostSummary is one entry of the paginated post listing.
type PostSummary struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	URLSlug    string     `json:"url_slug"`
	ReleasedAt *time.Time `json:"released_at"`
}

// Stats is the cumulative statistics snapshot for one post.
type Stats struct {
	ID    string `json:"id"`
	Likes int    `json:"likes"`
	Views int    `json:"views"`
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type currentUserResponse struct {
	Data struct {
		CurrentUser *Identity `json:"currentUser"`
	} `json:"data"`
	Errors []graphqlError `json:"errors"`
}

type postsResponse struct {
	Data struct {
		Posts []PostSummary `json:"posts"`
	} `json:"data"`
	Errors []graphqlError `json:"errors"`
}

type statsResponse struct {
	Data struct {
		GetStats *Stats `json:"getStats"`
	} `json:"data"`
	Errors []graphqlError `json:"errors"`
}

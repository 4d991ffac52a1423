package velog

// GraphQL documents for the velog API.
const (
	currentUserQuery = `query currentUser {
    currentUser {
        id
        username
        email
    }
}`

	postsQuery = `query velogPosts($input: GetPostsInput!) {
    posts(input: $input) {
        id
        title
        url_slug
        released_at
        user {
            id
            username
        }
    }
}`

	postStatsQuery = `query GetStats($post_id: ID!) {
    getStats(post_id: $post_id) {
        id
        likes
        views
    }
}`
)

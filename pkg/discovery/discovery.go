package discovery

// Discovery abstracts how seed nodes are provided to the serving tier.
type Discovery interface {
	Seeds() []string
}

// Package pagestore is an offline-first store of versioned key/value pages.
//
// Each page keeps an immutable commit history over a copy-on-write B-tree.
// Writes go through a journal and never block on the network; a sync engine
// exchanges encrypted commits and objects with a cloud relay and merges
// concurrent edits deterministically, so every device converges on the same
// commit without a central arbiter.
//
// Basic usage (local only):
//
//	st, _ := pagestore.Open("~/.local/share/pagestore")
//	defer st.Close()
//
//	p, _ := st.Page(ctx, pagestore.NewPageID())
//
//	j, _ := p.StartCommit(ctx)
//	j.Put(ctx, []byte("title"), []byte("hello"))
//	c, _ := j.Commit(ctx)
//
//	v, _ := p.Get(ctx, []byte("title"))
//
//	// React to local and synced commits
//	cancel := p.AddCommitWatcher(func(commits []*pagestore.Commit, src pagestore.Source) {
//	    fmt.Println(len(commits), "new commits from", src)
//	})
//	defer cancel()
//
// With cloud sync:
//
//	relay, _ := pagestore.NewOCIRelay("ghcr.io/acme/pages", false)
//	p.StartSync(pagestore.SyncConfig{
//	    Relay:  relay,
//	    Tokens: pagestore.StaticToken(os.Getenv("TOKEN")),
//	    Key:    pageKey,
//	})
package pagestore

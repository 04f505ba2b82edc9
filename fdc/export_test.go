package fdc

// WaitSeek exposes the seek completion poll to black-box tests.
func (c *Controller) WaitSeek() error { return c.waitSeek() }

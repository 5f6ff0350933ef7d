package dispatch

import (
	"log/slog"

	"github.com/heraldhq/herald"
)

// Foreman takes care of managing the set of senders for one channel and assigns each
// queued job to the next free one
type Foreman struct {
	dispatcher       *Dispatcher
	adapter          herald.ChannelAdapter
	senders          []*Sender
	availableSenders chan *Sender
	jobs             chan *job
	quit             chan bool
}

// NewForeman creates a new Foreman for the passed in adapter with the number of max senders
func NewForeman(dispatcher *Dispatcher, adapter herald.ChannelAdapter, maxSenders int) *Foreman {
	foreman := &Foreman{
		dispatcher:       dispatcher,
		adapter:          adapter,
		senders:          make([]*Sender, maxSenders),
		availableSenders: make(chan *Sender, maxSenders),
		jobs:             make(chan *job, maxSenders*2),
		quit:             make(chan bool),
	}

	for i := 0; i < maxSenders; i++ {
		foreman.senders[i] = NewSender(foreman, i)
	}

	return foreman
}

// Start starts the foreman and all its senders, assigning jobs while there are some
func (f *Foreman) Start() {
	for _, sender := range f.senders {
		sender.Start()
	}
	go f.Assign()
}

// Stop stops the foreman and all its senders, the dispatcher's wait group can be used
// to track progress
func (f *Foreman) Stop() {
	for _, sender := range f.senders {
		sender.Stop()
	}
	close(f.quit)
	slog.Info("foreman stopping", "comp", "foreman", "channel", f.adapter.Channel().ChannelType(), "state", "stopping")
}

// Assign is our main loop for the Foreman, it takes care of popping the next job off
// our queue and assigning it to the next free sender
func (f *Foreman) Assign() {
	f.dispatcher.wg.Add(1)
	defer f.dispatcher.wg.Done()

	log := slog.With("comp", "foreman", "channel", f.adapter.Channel().ChannelType())
	log.Info("senders started and waiting", "state", "started", "senders", len(f.senders))

	for {
		select {
		// return if we have been told to stop
		case <-f.quit:
			log.Info("foreman stopped", "state", "stopped")
			return

		// otherwise, wait for a free sender and give it the next job
		case sender := <-f.availableSenders:
			select {
			case <-f.quit:
				log.Info("foreman stopped", "state", "stopped")
				return
			case j := <-f.jobs:
				sender.job <- j
			}
		}
	}
}

// Sender is our type for a single goroutine that is sending jobs
type Sender struct {
	id      int
	foreman *Foreman
	job     chan *job
}

// NewSender creates a new sender responsible for sending jobs
func NewSender(foreman *Foreman, id int) *Sender {
	return &Sender{
		id:      id,
		foreman: foreman,
		job:     make(chan *job, 1),
	}
}

// Start starts our Sender's goroutine and has it start waiting for tasks from the foreman
func (w *Sender) Start() {
	go w.Send()
}

// Stop stops our sender, callers can use the dispatcher's wait group to track progress
func (w *Sender) Stop() {
	close(w.job)
}

// Send is our main work loop for our worker. The worker marks itself as available for
// work to the foreman, then waits for the next job
func (w *Sender) Send() {
	w.foreman.dispatcher.wg.Add(1)
	defer w.foreman.dispatcher.wg.Done()

	log := slog.With("comp", "sender", "sender_id", w.id, "channel", w.foreman.adapter.Channel().ChannelType())
	log.Debug("started")

	for {
		// list ourselves as available for work
		w.foreman.availableSenders <- w

		// grab our next piece of work
		j := <-w.job

		// exit if we were stopped
		if j == nil {
			log.Debug("stopped")
			return
		}

		w.foreman.dispatcher.sendJob(j)
	}
}

// Launchpad - one-shot EC2 provisioning
// Key pair. Launch. Tag. Done.
package main

func main() {
	Execute()
}

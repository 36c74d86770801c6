FROM ubuntu:24.04

RUN apt-get update && apt-get install -y --no-install-recommends \
    ca-certificates \
    git \
    openssh-client \
    && apt-get clean \
    && rm -rf /var/lib/apt/lists/*

# Create init script
RUN echo '#!/bin/sh\n\
mount -t proc proc /proc\n\
mount -t sysfs sysfs /sys\n\
mount -t devtmpfs devtmpfs /dev\n\
ip link set lo up\n\
ip link set eth0 up 2>/dev/null || true\n\
exec /usr/local/bin/marathon-agent' > /init && chmod +x /init

COPY bin/marathon-agent /usr/local/bin/marathon-agent
COPY bin/coding-agent /opt/marathon/bin/coding-agent
RUN chmod +x /usr/local/bin/marathon-agent /opt/marathon/bin/coding-agent 2>/dev/null || true

CMD ["/init"]
